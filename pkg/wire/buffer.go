package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CodecError reports a failed encode or decode. Every CodecError is fatal to
// the call that produced it: decoding never guesses a type and never skips
// bytes it does not understand.
type CodecError struct {
	Message string
}

func (e *CodecError) Error() string {
	return "wire: " + e.Message
}

func codecErrf(format string, args ...any) *CodecError {
	return &CodecError{Message: fmt.Sprintf(format, args...)}
}

// maxFieldLen caps length prefixes so a corrupt frame cannot force a huge
// allocation before the short-read check fires.
const maxFieldLen = 1 << 26 // 64 MiB

// Writer assembles a wire payload. All multi-byte values are big-endian and
// fixed-width; strings, byte fields, and collections are length-prefixed.
type Writer struct {
	reg *Registry
	buf bytes.Buffer
}

// NewWriter returns a Writer bound to reg. reg may be nil for envelope-level
// framing that never encodes registry types.
func NewWriter(reg *Registry) *Writer {
	return &Writer{reg: reg}
}

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) WriteUint8(b byte) {
	w.buf.WriteByte(b)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], v)
	w.buf.Write(scratch[:])
}

func (w *Writer) WriteUint32(v uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	w.buf.Write(scratch[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	w.buf.Write(scratch[:])
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *Writer) WriteRaw(b []byte) {
	w.buf.Write(b)
}

// Reader consumes a wire payload. Short reads and oversized length prefixes
// are CodecErrors; the caller checks Remaining after the last field so
// trailing bytes are rejected rather than silently ignored.
type Reader struct {
	reg  *Registry
	data []byte
	off  int
}

// NewReader returns a Reader over data bound to reg. reg may be nil for
// envelope-level framing.
func NewReader(reg *Registry, data []byte) *Reader {
	return &Reader{reg: reg, data: data}
}

func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, codecErrf("short read: need %d bytes, have %d", n, r.Remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadRaw consumes exactly n bytes with no length prefix (fixed-width
// fields).
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	return r.take(n)
}

func (r *Reader) ReadUint8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, codecErrf("invalid bool byte 0x%02x", b)
	}
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, codecErrf("field length %d exceeds limit", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > maxFieldLen {
		return "", codecErrf("field length %d exceeds limit", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
