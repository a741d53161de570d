package wire

// Envelope framing: a 2-byte header (protocol byte, kind byte) followed by
// the kind-specific fields. Unknown protocol bytes or kinds, short reads,
// and trailing bytes are all CodecErrors and abort the call at the transport
// level; they never reach application code.

// ProtocolByte identifies the envelope framing revision, not the negotiated
// RPC protocol version (which travels inside the request envelope).
const ProtocolByte byte = 0x01

// EnvelopeKind discriminates the wire envelopes.
type EnvelopeKind byte

const (
	EnvelopeRequest     EnvelopeKind = 0x01
	EnvelopeReply       EnvelopeKind = 0x02
	EnvelopeObservation EnvelopeKind = 0x03
	EnvelopeCancel      EnvelopeKind = 0x04
)

// NotificationKind is the unit discriminator of streamed delivery.
type NotificationKind byte

const (
	OnNext      NotificationKind = 0x00
	OnError     NotificationKind = 0x01
	OnCompleted NotificationKind = 0x02
)

// Identity is the authenticated caller reference carried on a request.
// Authentication itself happens outside this layer; servers resolve the
// permission set through their own provider and treat the envelope's
// permission list as advisory at best.
type Identity struct {
	Name        string
	Permissions []string
}

// RequestEnvelope is one inbound invocation. Immutable once decoded; owned
// by the dispatcher for the duration of the call.
type RequestEnvelope struct {
	Method          string
	Args            []byte // encoded argument sequence, see EncodeArgs
	ReplyTo         string
	ObservationsTo  string // required only for calls that may stream
	Identity        Identity
	ProtocolVersion uint32
	ClientVersion   string // client software version, semver
}

// ReplyEnvelope is the single synchronous reply to a request. Exactly one of
// Payload (OK) or Failure (!OK) is meaningful.
type ReplyEnvelope struct {
	OK      bool
	Payload []byte // registry-encoded value
	Failure *Failure
}

// ObservationFrame is the only structure ever sent to an observations
// address. Payload is set for OnNext, Failure for OnError.
type ObservationFrame struct {
	Handle  StreamHandle
	Kind    NotificationKind
	Payload []byte
	Failure *Failure
}

// CancelEnvelope asks the server to drop the listed subscriptions without a
// terminal frame (explicit unsubscribe or client shutdown).
type CancelEnvelope struct {
	Handles []StreamHandle
}

func writeHeader(w *Writer, kind EnvelopeKind) {
	w.WriteUint8(ProtocolByte)
	w.WriteUint8(byte(kind))
}

func readHeader(r *Reader, want EnvelopeKind) error {
	proto, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if proto != ProtocolByte {
		return codecErrf("unsupported envelope protocol byte 0x%02x", proto)
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if EnvelopeKind(kind) != want {
		return codecErrf("unexpected envelope kind 0x%02x, want 0x%02x", kind, byte(want))
	}
	return nil
}

func finishRead(r *Reader) error {
	if r.Remaining() != 0 {
		return codecErrf("%d trailing bytes after envelope", r.Remaining())
	}
	return nil
}

// MarshalRequest frames a request envelope.
func MarshalRequest(env *RequestEnvelope) []byte {
	w := NewWriter(nil)
	writeHeader(w, EnvelopeRequest)
	w.WriteString(env.Method)
	w.WriteBytes(env.Args)
	w.WriteString(env.ReplyTo)
	w.WriteString(env.ObservationsTo)
	w.WriteString(env.Identity.Name)
	w.WriteUint32(uint32(len(env.Identity.Permissions)))
	for _, p := range env.Identity.Permissions {
		w.WriteString(p)
	}
	w.WriteUint32(env.ProtocolVersion)
	w.WriteString(env.ClientVersion)
	return w.Bytes()
}

// UnmarshalRequest parses a request envelope, failing closed on any
// malformation.
func UnmarshalRequest(data []byte) (*RequestEnvelope, error) {
	r := NewReader(nil, data)
	if err := readHeader(r, EnvelopeRequest); err != nil {
		return nil, err
	}
	env := &RequestEnvelope{}
	var err error
	if env.Method, err = r.ReadString(); err != nil {
		return nil, err
	}
	if env.Args, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	if env.ReplyTo, err = r.ReadString(); err != nil {
		return nil, err
	}
	if env.ObservationsTo, err = r.ReadString(); err != nil {
		return nil, err
	}
	if env.Identity.Name, err = r.ReadString(); err != nil {
		return nil, err
	}
	nperms, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if nperms > maxFieldLen {
		return nil, codecErrf("permission list length %d exceeds limit", nperms)
	}
	for i := uint32(0); i < nperms; i++ {
		p, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		env.Identity.Permissions = append(env.Identity.Permissions, p)
	}
	if env.ProtocolVersion, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if env.ClientVersion, err = r.ReadString(); err != nil {
		return nil, err
	}
	if err := finishRead(r); err != nil {
		return nil, err
	}
	return env, nil
}

// MarshalReply frames a reply envelope.
func MarshalReply(env *ReplyEnvelope) []byte {
	w := NewWriter(nil)
	writeHeader(w, EnvelopeReply)
	w.WriteBool(env.OK)
	if env.OK {
		w.WriteBytes(env.Payload)
	} else {
		f := env.Failure
		if f == nil {
			f = Failf(KindTransport, "failure reply without failure detail")
		}
		w.WriteString(f.Kind)
		w.WriteString(f.Message)
	}
	return w.Bytes()
}

// UnmarshalReply parses a reply envelope.
func UnmarshalReply(data []byte) (*ReplyEnvelope, error) {
	r := NewReader(nil, data)
	if err := readHeader(r, EnvelopeReply); err != nil {
		return nil, err
	}
	ok, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	env := &ReplyEnvelope{OK: ok}
	if ok {
		if env.Payload, err = r.ReadBytes(); err != nil {
			return nil, err
		}
	} else {
		kind, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		msg, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		env.Failure = &Failure{Kind: kind, Message: msg}
	}
	if err := finishRead(r); err != nil {
		return nil, err
	}
	return env, nil
}

// MarshalObservation frames an observation.
func MarshalObservation(f *ObservationFrame) []byte {
	w := NewWriter(nil)
	writeHeader(w, EnvelopeObservation)
	w.WriteUint64(uint64(f.Handle))
	w.WriteUint8(byte(f.Kind))
	switch f.Kind {
	case OnNext:
		w.WriteBytes(f.Payload)
	case OnError:
		fail := f.Failure
		if fail == nil {
			fail = Failf(KindApplication, "stream failed")
		}
		w.WriteString(fail.Kind)
		w.WriteString(fail.Message)
	}
	return w.Bytes()
}

// UnmarshalObservation parses an observation frame.
func UnmarshalObservation(data []byte) (*ObservationFrame, error) {
	r := NewReader(nil, data)
	if err := readHeader(r, EnvelopeObservation); err != nil {
		return nil, err
	}
	h, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	frame := &ObservationFrame{Handle: StreamHandle(h), Kind: NotificationKind(kind)}
	switch frame.Kind {
	case OnNext:
		if frame.Payload, err = r.ReadBytes(); err != nil {
			return nil, err
		}
	case OnError:
		fkind, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		msg, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		frame.Failure = &Failure{Kind: fkind, Message: msg}
	case OnCompleted:
	default:
		return nil, codecErrf("unknown notification kind 0x%02x", kind)
	}
	if err := finishRead(r); err != nil {
		return nil, err
	}
	return frame, nil
}

// MarshalCancel frames a cancel envelope.
func MarshalCancel(env *CancelEnvelope) []byte {
	w := NewWriter(nil)
	writeHeader(w, EnvelopeCancel)
	w.WriteUint32(uint32(len(env.Handles)))
	for _, h := range env.Handles {
		w.WriteUint64(uint64(h))
	}
	return w.Bytes()
}

// UnmarshalCancel parses a cancel envelope.
func UnmarshalCancel(data []byte) (*CancelEnvelope, error) {
	r := NewReader(nil, data)
	if err := readHeader(r, EnvelopeCancel); err != nil {
		return nil, err
	}
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, codecErrf("cancel handle count %d exceeds limit", n)
	}
	env := &CancelEnvelope{}
	for i := uint32(0); i < n; i++ {
		h, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		env.Handles = append(env.Handles, StreamHandle(h))
	}
	if err := finishRead(r); err != nil {
		return nil, err
	}
	return env, nil
}
