package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgermesh/node-rpc/pkg/ledger"
	"github.com/ledgermesh/node-rpc/pkg/session"
)

const repoLogPrefix = "db:repository"

// Repository implements ledger.Store and session.Provider on Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Balance returns the balance of one account.
func (r *Repository) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE name = $1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &ledger.Error{Kind: ledger.KindNotFound, Message: fmt.Sprintf("account not found: %s", account)}
	}
	if err != nil {
		return 0, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - balance query: %v", repoLogPrefix, err)}
	}
	return balance, nil
}

// Accounts returns all account names, sorted.
func (r *Repository) Accounts(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM accounts ORDER BY name`)
	if err != nil {
		return nil, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - accounts query: %v", repoLogPrefix, err)}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - accounts scan: %v", repoLogPrefix, err)}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - accounts rows: %v", repoLogPrefix, err)}
	}
	return names, nil
}

// ApplyTransfer debits from and credits to in one transaction. Rows are
// locked in name order to keep concurrent transfers deadlock-free.
func (r *Repository) ApplyTransfer(ctx context.Context, from, to string, amount int64) (int64, int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - begin transfer: %v", repoLogPrefix, err)}
	}
	defer tx.Rollback(ctx)

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	balances := map[string]int64{}
	for _, name := range []string{first, second} {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE name = $1 FOR UPDATE`, name).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, &ledger.Error{Kind: ledger.KindNotFound, Message: fmt.Sprintf("account not found: %s", name)}
		}
		if err != nil {
			return 0, 0, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - lock account %s: %v", repoLogPrefix, name, err)}
		}
		balances[name] = balance
	}

	if balances[from] < amount {
		return 0, 0, &ledger.Error{
			Kind:    ledger.KindInsufficientFunds,
			Message: fmt.Sprintf("account %s holds %d, transfer needs %d", from, balances[from], amount),
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2, updated_at = now() WHERE name = $1`, from, amount); err != nil {
		return 0, 0, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - debit %s: %v", repoLogPrefix, from, err)}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = now() WHERE name = $1`, to, amount); err != nil {
		return 0, 0, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - credit %s: %v", repoLogPrefix, to, err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, &ledger.Error{Kind: ledger.KindInternal, Message: fmt.Sprintf("%s - commit transfer: %v", repoLogPrefix, err)}
	}
	return balances[from] - amount, balances[to] + amount, nil
}

// Lookup resolves an RPC identity's permission set. Unknown identities get
// an empty permission set, so every gated operation denies them.
func (r *Repository) Lookup(ctx context.Context, name string) (session.User, error) {
	var permissions []string
	err := r.pool.QueryRow(ctx, `SELECT permissions FROM rpc_users WHERE name = $1`, name).Scan(&permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.User{Name: name}, nil
	}
	if err != nil {
		return session.User{}, fmt.Errorf("%s - user lookup: %w", repoLogPrefix, err)
	}
	return session.User{Name: name, Permissions: permissions}, nil
}

// UpsertAccount creates or resets an account balance (seeding).
func (r *Repository) UpsertAccount(ctx context.Context, name string, balance int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (name, balance) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`, name, balance)
	if err != nil {
		return fmt.Errorf("%s - upsert account %s: %w", repoLogPrefix, name, err)
	}
	return nil
}

// UpsertUser creates or replaces an RPC user's permission set (seeding).
func (r *Repository) UpsertUser(ctx context.Context, name string, permissions []string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rpc_users (name, permissions) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET permissions = EXCLUDED.permissions`, name, permissions)
	if err != nil {
		return fmt.Errorf("%s - upsert user %s: %w", repoLogPrefix, name, err)
	}
	return nil
}
