package wire

// StreamHandle identifies one live reactive-stream subscription. Handles are
// allocated monotonically by the observation multiplexer and never reused for
// the lifetime of the process.
type StreamHandle uint64

// StreamEvent is one emission from a Stream. A non-nil Err is terminal: the
// producer closes the channel immediately after sending it.
type StreamEvent struct {
	Value any
	Err   error
}

// Stream is a reactive result: an ordered sequence of events ending either
// with channel close (completion) or a terminal error event. Stop tells the
// producer to stop emitting; it must be safe to call more than once and
// concurrently with emission.
type Stream struct {
	Events <-chan StreamEvent
	Stop   func()
}

// StreamEncoder allocates a handle for a stream that is about to cross the
// wire. The server role binds one per call, backed by the live multiplexer,
// so the handle is registered before the enclosing reply is sent.
type StreamEncoder interface {
	EncodeStream(s *Stream) (StreamHandle, error)
}

// StreamDecoder turns a handle read off the wire into a live client-side
// stream fed by observation frames for that handle.
type StreamDecoder interface {
	DecodeStream(h StreamHandle) (*Stream, error)
}

// ErrStreamNotAllowed is returned when a stream value is encoded or decoded
// through a registry that has no session stream codec bound, i.e. the call
// was not declared to allow streaming results.
var ErrStreamNotAllowed = &Failure{
	Kind:    KindProtocolMisuse,
	Message: "operation not declared to allow streaming results",
}
