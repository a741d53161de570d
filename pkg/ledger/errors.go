package ledger

// Error kinds reported by the operation surface, carried to clients as the
// failure kind.
const (
	KindNotFound          = "NOT_FOUND"
	KindInvalidArgument   = "INVALID_ARGUMENT"
	KindInsufficientFunds = "INSUFFICIENT_FUNDS"
	KindInternal          = "INTERNAL_ERROR"
)

// Error is a ledger-level failure: a kind constant plus a message, nothing
// else. The dispatcher transmits exactly these two fields.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// FailureKind selects the wire failure kind for this error.
func (e *Error) FailureKind() string { return e.Kind }
