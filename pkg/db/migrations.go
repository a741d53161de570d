package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "db:migrations"

// Schema migrations, applied in order. Forward-only; entries are
// append-only, statements must stay idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		name    TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS rpc_users (
		name        TEXT PRIMARY KEY,
		permissions TEXT[] NOT NULL DEFAULT '{}'
	)`,
}

// RunMigrations applies the schema migrations.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", migrationsLogPrefix, len(migrations)))
	for i, sql := range migrations {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", migrationsLogPrefix, i+1, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Migrations complete", migrationsLogPrefix))
	return nil
}
