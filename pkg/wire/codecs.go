package wire

import (
	"encoding/hex"
	"reflect"
	"time"
)

// Hash is a fixed-width 32-byte digest (transfer ids, block references).
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// CoreCodecs returns the protocol's base codec list in wire-id order. The
// order is append-only: new codecs go at the end, existing positions never
// move. Domain packages append their own codecs after these.
func CoreCodecs() []Codec {
	return []Codec{
		boolCodec{},       // 1
		int64Codec{},      // 2
		uint64Codec{},     // 3
		stringCodec{},     // 4
		bytesCodec{},      // 5
		timeCodec{},       // 6
		hashCodec{},       // 7
		stringListCodec{}, // 8
		failureCodec{},    // 9
		handleCodec{},     // 10
		streamCodec{},     // 11
	}
}

type boolCodec struct{}

func (boolCodec) Type() reflect.Type { return reflect.TypeOf(false) }
func (boolCodec) Encode(w *Writer, v any) error {
	w.WriteBool(v.(bool))
	return nil
}
func (boolCodec) Decode(r *Reader) (any, error) { return r.ReadBool() }

type int64Codec struct{}

func (int64Codec) Type() reflect.Type { return reflect.TypeOf(int64(0)) }
func (int64Codec) Encode(w *Writer, v any) error {
	w.WriteInt64(v.(int64))
	return nil
}
func (int64Codec) Decode(r *Reader) (any, error) { return r.ReadInt64() }

type uint64Codec struct{}

func (uint64Codec) Type() reflect.Type { return reflect.TypeOf(uint64(0)) }
func (uint64Codec) Encode(w *Writer, v any) error {
	w.WriteUint64(v.(uint64))
	return nil
}
func (uint64Codec) Decode(r *Reader) (any, error) { return r.ReadUint64() }

type stringCodec struct{}

func (stringCodec) Type() reflect.Type { return reflect.TypeOf("") }
func (stringCodec) Encode(w *Writer, v any) error {
	w.WriteString(v.(string))
	return nil
}
func (stringCodec) Decode(r *Reader) (any, error) { return r.ReadString() }

type bytesCodec struct{}

func (bytesCodec) Type() reflect.Type { return reflect.TypeOf([]byte(nil)) }
func (bytesCodec) Encode(w *Writer, v any) error {
	w.WriteBytes(v.([]byte))
	return nil
}
func (bytesCodec) Decode(r *Reader) (any, error) { return r.ReadBytes() }

// timeCodec encodes a time.Time as fixed 8-byte Unix nanoseconds, UTC.
type timeCodec struct{}

func (timeCodec) Type() reflect.Type { return reflect.TypeOf(time.Time{}) }
func (timeCodec) Encode(w *Writer, v any) error {
	w.WriteInt64(v.(time.Time).UnixNano())
	return nil
}
func (timeCodec) Decode(r *Reader) (any, error) {
	nanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

type hashCodec struct{}

func (hashCodec) Type() reflect.Type { return reflect.TypeOf(Hash{}) }
func (hashCodec) Encode(w *Writer, v any) error {
	h := v.(Hash)
	w.WriteRaw(h[:])
	return nil
}
func (hashCodec) Decode(r *Reader) (any, error) {
	b, err := r.take(len(Hash{}))
	if err != nil {
		return nil, err
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

type stringListCodec struct{}

func (stringListCodec) Type() reflect.Type { return reflect.TypeOf([]string(nil)) }
func (stringListCodec) Encode(w *Writer, v any) error {
	list := v.([]string)
	w.WriteUint32(uint32(len(list)))
	for _, s := range list {
		w.WriteString(s)
	}
	return nil
}
func (stringListCodec) Decode(r *Reader) (any, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, codecErrf("list length %d exceeds limit", n)
	}
	list := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

type failureCodec struct{}

func (failureCodec) Type() reflect.Type { return reflect.TypeOf(Failure{}) }
func (failureCodec) Encode(w *Writer, v any) error {
	f := v.(Failure)
	w.WriteString(f.Kind)
	w.WriteString(f.Message)
	return nil
}
func (failureCodec) Decode(r *Reader) (any, error) {
	kind, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return Failure{Kind: kind, Message: msg}, nil
}

type handleCodec struct{}

func (handleCodec) Type() reflect.Type { return reflect.TypeOf(StreamHandle(0)) }
func (handleCodec) Encode(w *Writer, v any) error {
	w.WriteUint64(uint64(v.(StreamHandle)))
	return nil
}
func (handleCodec) Decode(r *Reader) (any, error) {
	h, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	return StreamHandle(h), nil
}

// streamCodec has no default behavior: it works only through the
// session-scoped stream codec bound with WithStreamCodec, because encoding a
// stream means allocating a handle from the live multiplexer. On either side,
// a stream in a call that never declared streaming is a protocol misuse.
type streamCodec struct{}

func (streamCodec) Type() reflect.Type { return reflect.TypeOf((*Stream)(nil)) }
func (streamCodec) Encode(w *Writer, v any) error {
	if w.reg == nil || w.reg.streamEnc == nil {
		return ErrStreamNotAllowed
	}
	h, err := w.reg.streamEnc.EncodeStream(v.(*Stream))
	if err != nil {
		return err
	}
	w.WriteUint64(uint64(h))
	return nil
}
func (streamCodec) Decode(r *Reader) (any, error) {
	if r.reg == nil || r.reg.streamDec == nil {
		return nil, ErrStreamNotAllowed
	}
	h, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	return r.reg.streamDec.DecodeStream(StreamHandle(h))
}
