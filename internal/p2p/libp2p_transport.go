// Production transport binding: a libp2p host carries the Frame/Version
// wire protocol this package defines, so Dial/Serve exercise a real
// transport (TCP/QUIC + NAT traversal via go-libp2p) while Handshaker and
// ReadyLoop stay transport-agnostic and unit-testable over net.Pipe.
// A direct stream protocol rather than pubsub, since the wire format is
// a fixed Frame codec rather than gossip.
package p2p

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolID is the libp2p stream protocol corenode's wire frames ride
// over, distinguishing it from any other protocol the same host serves.
const ProtocolID = protocol.ID("/corenode/wire/1.0.0")

// NewHost constructs a libp2p host listening on listenAddrs (multiaddr
// strings, e.g. "/ip4/0.0.0.0/tcp/10333").
func NewHost(listenAddrs ...string) (host.Host, error) {
	var opts []libp2p.Option
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: construct libp2p host: %w", err)
	}
	return h, nil
}

// Serve registers the corenode wire protocol on h. For each inbound
// stream it performs the responder side of the handshake and, on
// success, hands the stream to onReady; handshake failures close the
// stream and never reach onReady.
func Serve(h host.Host, local Version, magic uint32, localNonce uint32, knownNonces func(uint32) bool, onReady func(remotePeer peer.ID, remote Version, s network.Stream)) {
	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		hs := Handshaker{Magic: magic, LocalNonce: localNonce, KnownNonces: knownNonces}
		remote, err := hs.Perform(s, local)
		if err != nil {
			_ = s.Reset()
			return
		}
		onReady(s.Conn().RemotePeer(), remote, s)
	})
}

// Dial connects to addr, opens a corenode wire stream, and performs the
// initiator side of the handshake, returning the live stream (already
// satisfying Stream, since network.Stream embeds io.Reader/Writer/Closer)
// for ReadyLoop to drive.
func Dial(ctx context.Context, h host.Host, addr peer.AddrInfo, local Version, magic uint32, localNonce uint32, knownNonces func(uint32) bool) (network.Stream, Version, error) {
	if err := h.Connect(ctx, addr); err != nil {
		return nil, Version{}, fmt.Errorf("p2p: connect to %s: %w", addr.ID, err)
	}
	s, err := h.NewStream(ctx, addr.ID, ProtocolID)
	if err != nil {
		return nil, Version{}, fmt.Errorf("p2p: open stream to %s: %w", addr.ID, err)
	}
	hs := Handshaker{Magic: magic, LocalNonce: localNonce, KnownNonces: knownNonces}
	remote, err := hs.Perform(s, local)
	if err != nil {
		_ = s.Reset()
		return nil, Version{}, err
	}
	return s, remote, nil
}
