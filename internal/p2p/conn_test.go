package p2p

import (
	"net"
	"testing"
)

func TestHandshakePerformSucceedsBothSides(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	hsA := Handshaker{Magic: 1, LocalNonce: 100}
	hsB := Handshaker{Magic: 1, LocalNonce: 200}

	type result struct {
		v   Version
		err error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)

	go func() {
		v, err := hsA.Perform(a, Version{UserAgent: "a", StartHeight: 10})
		resA <- result{v, err}
	}()
	go func() {
		v, err := hsB.Perform(b, Version{UserAgent: "b", StartHeight: 20})
		resB <- result{v, err}
	}()

	ra := <-resA
	rb := <-resB
	if ra.err != nil {
		t.Fatalf("side A handshake: %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("side B handshake: %v", rb.err)
	}
	if ra.v.UserAgent != "b" || ra.v.StartHeight != 20 {
		t.Fatalf("side A saw wrong remote version: %+v", ra.v)
	}
	if rb.v.UserAgent != "a" || rb.v.StartHeight != 10 {
		t.Fatalf("side B saw wrong remote version: %+v", rb.v)
	}
}

func TestHandshakeRejectsNonceCollision(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	hsA := Handshaker{Magic: 1, LocalNonce: 42}
	hsB := Handshaker{Magic: 1, LocalNonce: 42}

	errs := make(chan error, 2)
	go func() { _, err := hsA.Perform(a, Version{}); errs <- err }()
	go func() { _, err := hsB.Perform(b, Version{}); errs <- err }()

	e1 := <-errs
	e2 := <-errs
	if e1 == nil && e2 == nil {
		t.Fatalf("expected at least one side to reject the nonce collision")
	}
}

func TestHandshakeRejectsMagicMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	hsA := Handshaker{Magic: 1, LocalNonce: 1}
	hsB := Handshaker{Magic: 2, LocalNonce: 2}

	errs := make(chan error, 2)
	go func() { _, err := hsA.Perform(a, Version{}); errs <- err }()
	go func() { _, err := hsB.Perform(b, Version{}); errs <- err }()

	e1 := <-errs
	e2 := <-errs
	if e1 == nil && e2 == nil {
		t.Fatalf("expected at least one side to reject the magic mismatch")
	}
}
