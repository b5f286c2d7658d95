package p2p

import (
	"fmt"
	"io"
	"time"
)

// Stream is the minimal transport a Conn needs: a full-duplex byte
// stream. Both net.Conn and a libp2p network.Stream satisfy it, so
// production code wires a real TCP or libp2p connection while tests
// drive the handshake state machine over net.Pipe.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// HandshakeTimeout bounds how long the Version/Verack exchange may take
// .
const HandshakeTimeout = 10 * time.Second

// Handshaker performs the two-way Version/Verack exchange and reports
// the peer's advertised Version, or an error for any of the reject
// cases (magic mismatch, self-connect, duplicate nonce).
type Handshaker struct {
	Magic       uint32
	LocalNonce  uint32
	KnownNonces func(nonce uint32) bool // reports whether nonce already belongs to a connected peer
}

// Perform runs the handshake over s and local, returning the remote's
// Version message once both sides have sent and received Verack.
func (h Handshaker) Perform(s Stream, local Version) (Version, error) {
	local.Magic = h.Magic
	local.Nonce = h.LocalNonce

	// Each send runs alongside the matching read, so an unbuffered stream
	// such as net.Pipe does not deadlock with both sides writing first.
	sent := make(chan error, 1)
	go func() { sent <- WriteFrame(s, NewFrame(h.Magic, CmdVersion, local.Encode())) }()

	remote, err := h.readVersion(s)
	if err != nil {
		return Version{}, err
	}
	if err := <-sent; err != nil {
		return Version{}, fmt.Errorf("p2p: send version: %w", err)
	}

	go func() { sent <- WriteFrame(s, NewFrame(h.Magic, CmdVerack, nil)) }()

	if err := h.expectVerack(s); err != nil {
		return Version{}, err
	}
	if err := <-sent; err != nil {
		return Version{}, fmt.Errorf("p2p: send verack: %w", err)
	}

	return remote, nil
}

func (h Handshaker) readVersion(s Stream) (Version, error) {
	f, err := ReadFrame(s, h.Magic)
	if err != nil {
		return Version{}, fmt.Errorf("p2p: read version: %w", err)
	}
	if f.Command != CmdVersion {
		return Version{}, fmt.Errorf("p2p: expected version, got %s", f.Command)
	}
	remote, err := DecodeVersion(f.Payload)
	if err != nil {
		return Version{}, fmt.Errorf("p2p: decode version: %w", err)
	}
	if remote.Magic != h.Magic {
		return Version{}, fmt.Errorf("p2p: peer magic %08x != local %08x", remote.Magic, h.Magic)
	}
	if remote.Nonce == h.LocalNonce {
		return Version{}, fmt.Errorf("p2p: self-connect (nonce collision)")
	}
	if h.KnownNonces != nil && h.KnownNonces(remote.Nonce) {
		return Version{}, fmt.Errorf("p2p: peer nonce %d already connected", remote.Nonce)
	}
	return remote, nil
}

func (h Handshaker) expectVerack(s Stream) error {
	f, err := ReadFrame(s, h.Magic)
	if err != nil {
		return fmt.Errorf("p2p: read verack: %w", err)
	}
	if f.Command != CmdVerack {
		return fmt.Errorf("p2p: expected verack, got %s", f.Command)
	}
	return nil
}

// ReadyLoop reads Frames off s until it errors or ctx-like stop occurs,
// dispatching each to handle. Unknown commands are passed through
// ")
// rather than causing an error.
func ReadyLoop(s Stream, magic uint32, handle func(Frame) error) error {
	for {
		f, err := ReadFrame(s, magic)
		if err != nil {
			return err
		}
		if err := handle(f); err != nil {
			return err
		}
	}
}
