package p2p

import (
	"bytes"
	"testing"

	"github.com/n3toric/corenode/internal/types"
)

func TestFrameRoundTrip(t *testing.T) {
	ping := Ping{Nonce: 0xdeadbeef}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NewFrame(0x4e454f33, CmdPing, ping.Encode())); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f, err := ReadFrame(&buf, 0x4e454f33)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Command != CmdPing {
		t.Fatalf("expected command %q, got %q", CmdPing, f.Command)
	}
	got, err := DecodePing(f.Payload)
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	if got.Nonce != ping.Nonce {
		t.Fatalf("nonce mismatch: got %d want %d", got.Nonce, ping.Nonce)
	}
}

func TestReadFrameRejectsMagicMismatch(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, NewFrame(0x11111111, CmdPing, nil))
	if _, err := ReadFrame(&buf, 0x22222222); err == nil {
		t.Fatalf("expected magic mismatch error")
	}
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, NewFrame(1, CmdBlock, make([]byte, MaxPayload+1)))
	if _, err := ReadFrame(&buf, 1); err == nil {
		t.Fatalf("expected oversize rejection")
	}
}

func TestReadFrameRejectsChecksumTamper(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, NewFrame(1, CmdPing, Ping{Nonce: 1}.Encode()))
	raw := buf.Bytes()
	// Flip a payload byte without fixing up the checksum that precedes it.
	raw[len(raw)-1] ^= 0xFF
	if _, err := ReadFrame(bytes.NewReader(raw), 1); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestHashListRoundTrip(t *testing.T) {
	hl := HashList{Type: InvBlock, Hashes: []types.U256{{1, 2, 3}, {4, 5, 6}}}
	got, err := DecodeHashList(hl.Encode())
	if err != nil {
		t.Fatalf("DecodeHashList: %v", err)
	}
	if got.Type != InvBlock || len(got.Hashes) != 2 || got.Hashes[0] != hl.Hashes[0] {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
