package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestDialAndServeCompleteHandshakeOverLibp2p(t *testing.T) {
	listener, err := NewHost("/ip4/127.0.0.1/tcp/0")
	if err != nil {
		t.Fatalf("NewHost listener: %v", err)
	}
	defer listener.Close()

	dialer, err := NewHost("/ip4/127.0.0.1/tcp/0")
	if err != nil {
		t.Fatalf("NewHost dialer: %v", err)
	}
	defer dialer.Close()

	readyCh := make(chan Version, 1)
	Serve(listener, Version{UserAgent: "listener/1.0"}, 0xC0FFEE, 1, nil, func(remotePeer peer.ID, remote Version, s network.Stream) {
		readyCh <- remote
	})

	dialer.Peerstore().AddAddrs(listener.ID(), listener.Addrs(), time.Hour)
	addr := peer.AddrInfo{ID: listener.ID(), Addrs: listener.Addrs()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, remote, err := Dial(ctx, dialer, addr, Version{UserAgent: "dialer/1.0"}, 0xC0FFEE, 2, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()
	if remote.UserAgent != "listener/1.0" {
		t.Fatalf("expected dialer to see listener's advertised UserAgent, got %q", remote.UserAgent)
	}

	select {
	case remoteSeenByListener := <-readyCh:
		if remoteSeenByListener.UserAgent != "dialer/1.0" {
			t.Fatalf("expected listener to see dialer's advertised UserAgent, got %q", remoteSeenByListener.UserAgent)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("listener never completed the handshake")
	}
}

func TestDialRejectsMagicMismatchOverLibp2p(t *testing.T) {
	listener, err := NewHost("/ip4/127.0.0.1/tcp/0")
	if err != nil {
		t.Fatalf("NewHost listener: %v", err)
	}
	defer listener.Close()

	dialer, err := NewHost("/ip4/127.0.0.1/tcp/0")
	if err != nil {
		t.Fatalf("NewHost dialer: %v", err)
	}
	defer dialer.Close()

	Serve(listener, Version{}, 0xAAAA, 1, nil, func(peer.ID, Version, network.Stream) {})

	dialer.Peerstore().AddAddrs(listener.ID(), listener.Addrs(), time.Hour)
	addr := peer.AddrInfo{ID: listener.ID(), Addrs: listener.Addrs()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := Dial(ctx, dialer, addr, Version{}, 0xBBBB, 2, nil); err == nil {
		t.Fatalf("expected a magic mismatch to fail the handshake")
	}
}
