// Package wire implements the binary wire protocol: the deterministic type
// registry, the per-type codecs, and the request/reply/observation envelopes.
package wire

import "fmt"

// Failure kinds carried on the wire. Clients match on the kind, never on the
// message text.
const (
	KindTransport          = "TRANSPORT_ERROR"
	KindUnknownOperation   = "UNKNOWN_OPERATION"
	KindUnsupportedVersion = "UNSUPPORTED_VERSION"
	KindProtocolMisuse     = "PROTOCOL_MISUSE"
	KindPermissionDenied   = "PERMISSION_DENIED"
	KindDeadlineExceeded   = "DEADLINE_EXCEEDED"
	KindApplication        = "APPLICATION_ERROR"
)

// Failure is the only failure shape that crosses the wire: a kind constant
// plus a message. Server-side diagnostic detail (stacks, wrapped causes) is
// stripped before a failure is encoded.
type Failure struct {
	Kind    string
	Message string
}

func (f *Failure) Error() string {
	return f.Kind + ": " + f.Message
}

// FailureKind lets domain error types choose the wire kind they are reported
// under without this package importing them.
func (f *Failure) FailureKind() string { return f.Kind }

// Failf builds a Failure with a formatted message.
func Failf(kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
