package wire

import (
	"fmt"
	"reflect"
)

// Codec encodes and decodes exactly one Go type. Codecs are hand-written and
// explicitly enumerated at registry construction; there is no reflective
// fallback for unregistered types.
type Codec interface {
	// Type is the Go type this codec owns. Lookup during encode is by the
	// value's dynamic type.
	Type() reflect.Type
	Encode(w *Writer, v any) error
	Decode(r *Reader) (any, error)
}

type registryEntry struct {
	id    uint32
	codec Codec
}

// Registry is the deterministic type registry. The wire id of a type is its
// registration position (1-based; 0 is invalid on the wire), so registration
// order is append-only: inserting, removing, or reordering an entry changes
// every subsequent id and breaks deployed peers. A Registry is built once at
// process start and immutable afterward.
type Registry struct {
	byType map[reflect.Type]registryEntry
	byID   []Codec

	// Session-scoped stream codec. Nil on the base registry; bound per call
	// (server) or per connection (client) via WithStreamCodec.
	streamEnc StreamEncoder
	streamDec StreamDecoder
}

// NewRegistry builds a registry from an explicit codec list. Wire ids are
// assigned in argument order starting at 1.
func NewRegistry(codecs ...Codec) (*Registry, error) {
	r := &Registry{
		byType: make(map[reflect.Type]registryEntry, len(codecs)),
		byID:   make([]Codec, 0, len(codecs)),
	}
	for i, c := range codecs {
		t := c.Type()
		if t == nil {
			return nil, fmt.Errorf("wire: codec at position %d has nil type", i)
		}
		if _, dup := r.byType[t]; dup {
			return nil, fmt.Errorf("wire: duplicate codec for type %s", t)
		}
		r.byType[t] = registryEntry{id: uint32(i + 1), codec: c}
		r.byID = append(r.byID, c)
	}
	return r, nil
}

// WithStreamCodec returns a session view of the registry with the given
// stream encoder/decoder bound. The underlying type table is shared and
// stays immutable; the view is cheap to build per call.
func (r *Registry) WithStreamCodec(enc StreamEncoder, dec StreamDecoder) *Registry {
	view := *r
	view.streamEnc = enc
	view.streamDec = dec
	return &view
}

// WireID returns the id assigned to t, or 0 if t is not registered.
func (r *Registry) WireID(t reflect.Type) uint32 {
	if e, ok := r.byType[t]; ok {
		return e.id
	}
	return 0
}

// Len reports the number of registered types.
func (r *Registry) Len() int { return len(r.byID) }

// Encode serializes v as its wire id followed by the codec payload. The
// codec is resolved by v's dynamic type; pointers to registered value types
// are dereferenced. An unregistered type is a CodecError.
func (r *Registry) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, codecErrf("cannot encode nil value")
	}
	entry, rv, err := r.resolve(v)
	if err != nil {
		return nil, err
	}
	w := NewWriter(r)
	w.WriteUint32(entry.id)
	if err := entry.codec.Encode(w, rv); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Decode reads the leading wire id, resolves the codec, and decodes the
// payload. Unknown ids fail closed, and trailing bytes after the payload are
// an error rather than silently ignored.
func (r *Registry) Decode(data []byte) (any, error) {
	rd := NewReader(r, data)
	id, err := rd.ReadUint32()
	if err != nil {
		return nil, err
	}
	if id == 0 || int(id) > len(r.byID) {
		return nil, codecErrf("unknown wire id %d", id)
	}
	v, err := r.byID[id-1].Decode(rd)
	if err != nil {
		return nil, err
	}
	if rd.Remaining() != 0 {
		return nil, codecErrf("%d trailing bytes after wire id %d payload", rd.Remaining(), id)
	}
	return v, nil
}

func (r *Registry) resolve(v any) (registryEntry, any, error) {
	t := reflect.TypeOf(v)
	if e, ok := r.byType[t]; ok {
		return e, v, nil
	}
	// Pointer to a registered value type encodes as the value. The stream
	// type itself is registered as *Stream and is caught above.
	if t.Kind() == reflect.Pointer {
		rv := reflect.ValueOf(v)
		if rv.IsNil() {
			return registryEntry{}, nil, codecErrf("cannot encode nil %s", t)
		}
		if e, ok := r.byType[t.Elem()]; ok {
			return e, rv.Elem().Interface(), nil
		}
	}
	return registryEntry{}, nil, codecErrf("no codec registered for type %s", t)
}
