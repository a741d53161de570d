// Package ledger implements the node's declared operation surface: account
// queries, transfer submission, the balance-update watch stream, and node
// identification. Business state lives behind the Store interface; this
// package owns the operation declarations and their wire types.
package ledger

import (
	"time"

	"github.com/ledgermesh/node-rpc/pkg/wire"
)

// Permissions required by the operation surface.
const (
	PermRead  = "read"
	PermWrite = "write"
)

// Operation names as they appear on the wire.
const (
	OpGetBalance     = "getBalance"
	OpListAccounts   = "listAccounts"
	OpSubmitTransfer = "submitTransfer"
	OpWatchUpdates   = "watchUpdates"
	OpNodeInfo       = "nodeInfo"
)

// AccountBalance is the result of getBalance.
type AccountBalance struct {
	Account string
	Balance int64
	AsOf    time.Time
}

// TransferReceipt is the result of submitTransfer.
type TransferReceipt struct {
	ID        wire.Hash
	From      string
	To        string
	Amount    int64
	AppliedAt time.Time
}

// BalanceUpdate is one emission of the watchUpdates stream. Seq is a
// process-wide monotonic sequence assigned by the update feed.
type BalanceUpdate struct {
	Account string
	Balance int64
	Seq     uint64
}

// NodeInfo is the result of nodeInfo.
type NodeInfo struct {
	Name             string
	Version          string // node software version, semver
	ProtocolVersion  uint32 // highest protocol version this node speaks
	MinClientVersion string // semver constraint clients must satisfy, may be empty
}
