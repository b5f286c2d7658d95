// Package p2p implements the wire protocol: frame
// encoding, the Version/Verack handshake, and the Ready-state message
// set, over a generic stream so it is testable with net.Pipe and
// reusable over any real transport (TCP, or a libp2p stream adapted to
// io.ReadWriteCloser at the production wiring layer).
package p2p

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/n3toric/corenode/internal/types"
)

// MaxPayload bounds a single frame's payload, rejecting the oversize
// frames that earn the sender a disconnect and ban.
const MaxPayload = 32 << 20 // 32 MiB, generous enough for one Block message

// Frame is the wire envelope: magic, command,
// length, checksum, payload.
type Frame struct {
	Magic    uint32
	Command  string
	Length   uint32
	Checksum uint32
	Payload  []byte
}

func checksum(payload []byte) uint32 {
	h := sha256.Sum256(payload)
	h2 := sha256.Sum256(h[:])
	return binary.LittleEndian.Uint32(h2[:4])
}

// NewFrame builds a Frame over payload, computing length and checksum.
func NewFrame(magic uint32, command string, payload []byte) Frame {
	return Frame{Magic: magic, Command: command, Length: uint32(len(payload)), Checksum: checksum(payload), Payload: payload}
}

// WriteFrame serializes f to w: magic(u32) | command(varstring) |
// length(u32) | checksum(u32) | payload.
func WriteFrame(w io.Writer, f Frame) error {
	enc := types.NewWriter()
	enc.U32(f.Magic)
	enc.VarBytes([]byte(f.Command))
	enc.U32(uint32(len(f.Payload)))
	enc.U32(checksum(f.Payload))
	enc.Write(f.Payload)
	_, err := w.Write(enc.Bytes())
	return err
}

// ReadFrame reads and validates one Frame from r, rejecting magic
// mismatches, oversize payloads, and checksum failures -- the
// malformed-frame cases that earn the sender a disconnect and ban.
func ReadFrame(r io.Reader, expectMagic uint32) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	magic := binary.LittleEndian.Uint32(hdr[:])
	if magic != expectMagic {
		return Frame{}, fmt.Errorf("p2p: magic mismatch: got %08x want %08x", magic, expectMagic)
	}

	command, err := readVarString(r)
	if err != nil {
		return Frame{}, fmt.Errorf("p2p: read command: %w", err)
	}

	var lenBuf, sumBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("p2p: read length: %w", err)
	}
	if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("p2p: read checksum: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	wantSum := binary.LittleEndian.Uint32(sumBuf[:])
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("p2p: oversize frame: %d bytes exceeds %d", length, MaxPayload)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("p2p: read payload: %w", err)
		}
	}
	if got := checksum(payload); got != wantSum {
		return Frame{}, fmt.Errorf("p2p: checksum mismatch on %s", command)
	}
	return Frame{Magic: magic, Command: command, Length: length, Checksum: wantSum, Payload: payload}, nil
}

// readVarString reads a VarUint-length-prefixed UTF-8 string directly
// off r, since the command precedes the frame's own length/checksum
// fields and so can't go through types.Reader (which needs the whole
// buffer up front).
func readVarString(r io.Reader) (string, error) {
	n, err := readVarUint(r)
	if err != nil {
		return "", err
	}
	if n > 256 {
		return "", fmt.Errorf("command too long: %d", n)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func readVarUint(r io.Reader) (uint64, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return 0, err
	}
	switch tagBuf[0] {
	case 0xFD:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b[:])), nil
	case 0xFE:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	case 0xFF:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	default:
		return uint64(tagBuf[0]), nil
	}
}
