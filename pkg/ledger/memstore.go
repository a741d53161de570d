package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests and storage-free deployments.
type MemStore struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewMemStore seeds a store with the given balances.
func NewMemStore(balances map[string]int64) *MemStore {
	m := &MemStore{balances: make(map[string]int64, len(balances))}
	for account, balance := range balances {
		m.balances[account] = balance
	}
	return m
}

func (m *MemStore) Balance(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[account]
	if !ok {
		return 0, &Error{Kind: KindNotFound, Message: fmt.Sprintf("account not found: %s", account)}
	}
	return balance, nil
}

func (m *MemStore) Accounts(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := make([]string, 0, len(m.balances))
	for account := range m.balances {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (m *MemStore) ApplyTransfer(_ context.Context, from, to string, amount int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fromBalance, ok := m.balances[from]
	if !ok {
		return 0, 0, &Error{Kind: KindNotFound, Message: fmt.Sprintf("account not found: %s", from)}
	}
	toBalance, ok := m.balances[to]
	if !ok {
		return 0, 0, &Error{Kind: KindNotFound, Message: fmt.Sprintf("account not found: %s", to)}
	}
	if fromBalance < amount {
		return 0, 0, &Error{
			Kind:    KindInsufficientFunds,
			Message: fmt.Sprintf("account %s holds %d, transfer needs %d", from, fromBalance, amount),
		}
	}
	m.balances[from] = fromBalance - amount
	m.balances[to] = toBalance + amount
	return m.balances[from], m.balances[to], nil
}
