package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer accumulates a little-endian binary encoding of core data types,
// matching the chain's wire format (1/3/5/9-byte tagged varints, LE
// multi-byte integers, hashes stored as raw 32/20 bytes).
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Write appends raw bytes with no length prefix, for splicing one encoder's
// output into another's (e.g. a header's unsigned form into its full form).
func (w *Writer) Write(b []byte) { w.buf.Write(b) }

func (w *Writer) U8(v uint8) { w.buf.WriteByte(v) }
func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) Bytes20(v U160) { w.buf.Write(v[:]) }
func (w *Writer) Bytes32(v U256) { w.buf.Write(v[:]) }

// VarUint writes the common 1/3/5/9-byte tagged variable-length integer
// encoding: values <0xFD fit in 1 byte; 0xFD prefixes a u16; 0xFE a u32;
// 0xFF a u64.
func (w *Writer) VarUint(v uint64) {
	switch {
	case v < 0xFD:
		w.buf.WriteByte(byte(v))
	case v <= 0xFFFF:
		w.buf.WriteByte(0xFD)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		w.buf.Write(b[:])
	case v <= 0xFFFFFFFF:
		w.buf.WriteByte(0xFE)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		w.buf.Write(b[:])
	default:
		w.buf.WriteByte(0xFF)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		w.buf.Write(b[:])
	}
}

// VarBytes writes a VarUint length prefix followed by the raw bytes.
func (w *Writer) VarBytes(b []byte) {
	w.VarUint(uint64(len(b)))
	w.buf.Write(b)
}

// Reader decodes the Writer's encoding back into Go values.
type Reader struct {
	r   *bytes.Reader
	err error
}

// NewReader wraps raw bytes for sequential decoding.
func NewReader(b []byte) *Reader { return &Reader{r: bytes.NewReader(b)} }

// Err returns the first decode error encountered, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) U8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.fail(err)
		return 0
	}
	return b
}

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) U32() uint32 {
	var b [4]byte
	if r.err != nil {
		return 0
	}
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail(err)
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (r *Reader) U64() uint64 {
	var b [8]byte
	if r.err != nil {
		return 0
	}
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail(err)
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) Bytes20() (out U160) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, out[:]); err != nil {
		r.fail(err)
	}
	return
}

func (r *Reader) Bytes32() (out U256) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, out[:]); err != nil {
		r.fail(err)
	}
	return
}

func (r *Reader) VarUint() uint64 {
	if r.err != nil {
		return 0
	}
	tag, err := r.r.ReadByte()
	if err != nil {
		r.fail(err)
		return 0
	}
	switch tag {
	case 0xFD:
		var b [2]byte
		if _, err := io.ReadFull(r.r, b[:]); err != nil {
			r.fail(err)
			return 0
		}
		return uint64(binary.LittleEndian.Uint16(b[:]))
	case 0xFE:
		var b [4]byte
		if _, err := io.ReadFull(r.r, b[:]); err != nil {
			r.fail(err)
			return 0
		}
		return uint64(binary.LittleEndian.Uint32(b[:]))
	case 0xFF:
		var b [8]byte
		if _, err := io.ReadFull(r.r, b[:]); err != nil {
			r.fail(err)
			return 0
		}
		return binary.LittleEndian.Uint64(b[:])
	default:
		return uint64(tag)
	}
}

// VarBytesMax reads a VarUint-prefixed byte slice, rejecting lengths above
// max to bound allocation from untrusted wire input.
func (r *Reader) VarBytesMax(max uint64) []byte {
	n := r.VarUint()
	if r.err != nil {
		return nil
	}
	if n > max {
		r.fail(fmt.Errorf("varbytes length %d exceeds max %d", n, max))
		return nil
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r.r, out); err != nil {
			r.fail(err)
			return nil
		}
	}
	return out
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return r.r.Len() }
