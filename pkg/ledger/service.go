package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ledgermesh/node-rpc/pkg/dispatcher"
	"github.com/ledgermesh/node-rpc/pkg/wire"
)

// Store is the ledger state behind the operation surface. The database
// repository implements it in production; MemStore serves tests and
// storage-free deployments.
type Store interface {
	Balance(ctx context.Context, account string) (int64, error)
	Accounts(ctx context.Context) ([]string, error)
	// ApplyTransfer atomically debits from and credits to, returning the
	// resulting balances. Unknown accounts and insufficient funds are
	// *Error values.
	ApplyTransfer(ctx context.Context, from, to string, amount int64) (fromBalance, toBalance int64, err error)
}

// Service implements the node's operations against a Store and publishes
// applied transfers to its update feed.
type Service struct {
	store Store
	feed  *Feed
	info  NodeInfo
}

// NewService creates a Service, validating the node version strings up
// front so a misconfigured node refuses to start rather than advertising an
// unparseable version.
func NewService(store Store, feed *Feed, info NodeInfo) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: nil store")
	}
	if feed == nil {
		return nil, fmt.Errorf("ledger: nil feed")
	}
	if _, err := semver.NewVersion(info.Version); err != nil {
		return nil, fmt.Errorf("ledger: node version %q is not valid semver: %w", info.Version, err)
	}
	if info.MinClientVersion != "" {
		if _, err := semver.NewConstraint(info.MinClientVersion); err != nil {
			return nil, fmt.Errorf("ledger: min client version %q is not a valid constraint: %w", info.MinClientVersion, err)
		}
	}
	return &Service{store: store, feed: feed, info: info}, nil
}

// Feed exposes the update feed (the server closes it on shutdown).
func (s *Service) Feed() *Feed { return s.feed }

// GetBalance returns the current balance of one account.
func (s *Service) GetBalance(ctx context.Context, account string) (AccountBalance, error) {
	if account == "" {
		return AccountBalance{}, &Error{Kind: KindInvalidArgument, Message: "account name is empty"}
	}
	balance, err := s.store.Balance(ctx, account)
	if err != nil {
		return AccountBalance{}, err
	}
	return AccountBalance{Account: account, Balance: balance, AsOf: time.Now().UTC()}, nil
}

// ListAccounts returns all known account names.
func (s *Service) ListAccounts(ctx context.Context) ([]string, error) {
	return s.store.Accounts(ctx)
}

// SubmitTransfer applies one transfer atomically and publishes a balance
// update per affected account.
func (s *Service) SubmitTransfer(ctx context.Context, from, to string, amount int64) (TransferReceipt, error) {
	if from == "" || to == "" {
		return TransferReceipt{}, &Error{Kind: KindInvalidArgument, Message: "transfer requires both account names"}
	}
	if from == to {
		return TransferReceipt{}, &Error{Kind: KindInvalidArgument, Message: "transfer to the same account"}
	}
	if amount <= 0 {
		return TransferReceipt{}, &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf("transfer amount must be positive, got %d", amount)}
	}

	fromBalance, toBalance, err := s.store.ApplyTransfer(ctx, from, to, amount)
	if err != nil {
		return TransferReceipt{}, err
	}

	appliedAt := time.Now().UTC()
	receipt := TransferReceipt{
		ID:        transferID(from, to, amount, appliedAt),
		From:      from,
		To:        to,
		Amount:    amount,
		AppliedAt: appliedAt,
	}

	s.feed.Publish(BalanceUpdate{Account: from, Balance: fromBalance})
	s.feed.Publish(BalanceUpdate{Account: to, Balance: toBalance})
	return receipt, nil
}

// WatchUpdates returns a stream of future balance updates.
func (s *Service) WatchUpdates(_ context.Context) *wire.Stream {
	return s.feed.Subscribe()
}

// NodeInfo returns the node's identification and version surface.
func (s *Service) NodeInfo(_ context.Context) NodeInfo {
	return s.info
}

// Operations declares the service's capability surface for the dispatcher
// table. Every entry here is complete: name, gates, parameter types, and
// handler, checked at startup by dispatcher.NewTable.
func (s *Service) Operations() []dispatcher.Operation {
	stringType := reflect.TypeOf("")
	int64Type := reflect.TypeOf(int64(0))

	return []dispatcher.Operation{
		{
			Name:       OpGetBalance,
			MinVersion: 1,
			Permission: PermRead,
			Params:     []reflect.Type{stringType},
			Handler: func(ctx context.Context, args []any) (any, error) {
				return s.GetBalance(ctx, args[0].(string))
			},
		},
		{
			Name:       OpListAccounts,
			MinVersion: 1,
			Permission: PermRead,
			Handler: func(ctx context.Context, _ []any) (any, error) {
				return s.ListAccounts(ctx)
			},
		},
		{
			Name:       OpSubmitTransfer,
			MinVersion: 1,
			Permission: PermWrite,
			Params:     []reflect.Type{stringType, stringType, int64Type},
			Handler: func(ctx context.Context, args []any) (any, error) {
				return s.SubmitTransfer(ctx, args[0].(string), args[1].(string), args[2].(int64))
			},
		},
		{
			Name:       OpWatchUpdates,
			MinVersion: 2,
			Streaming:  true,
			Permission: PermRead,
			Handler: func(ctx context.Context, _ []any) (any, error) {
				return s.WatchUpdates(ctx), nil
			},
		},
		{
			Name:       OpNodeInfo,
			MinVersion: 1,
			Handler: func(ctx context.Context, _ []any) (any, error) {
				return s.NodeInfo(ctx), nil
			},
		},
	}
}

// transferID derives a stable receipt id from the transfer's content and
// apply time.
func transferID(from, to string, amount int64, appliedAt time.Time) wire.Hash {
	h := sha256.New()
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(to))
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(amount))
	h.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(appliedAt.UnixNano()))
	h.Write(scratch[:])
	var id wire.Hash
	copy(id[:], h.Sum(nil))
	return id
}
