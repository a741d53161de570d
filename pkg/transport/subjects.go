package transport

import "fmt"

// Default bus subjects.
const (
	// SubjectRPC receives request envelopes.
	SubjectRPC = "ledger.rpc.v1"
	// CancelSuffix names the subject, relative to the RPC subject, on which
	// clients drop live observation handles.
	CancelSuffix = "cancel"
)

// CancelSubject derives the cancel subject for an RPC subject.
func CancelSubject(rpcSubject string) string {
	return fmt.Sprintf("%s.%s", rpcSubject, CancelSuffix)
}
