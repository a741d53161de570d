// Package main is the entrypoint for the ledger node RPC layer (binary name
// "node").
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/ledgermesh/node-rpc/internal/config"
	"github.com/ledgermesh/node-rpc/internal/server"
	"github.com/ledgermesh/node-rpc/pkg/db"
)

const usage = `Usage: node [command]
       node serve              Start the node RPC layer (bus, HTTP health).
       node migrate up         Run database migrations.
       node ensure-db          Create the database from DATABASE_URL if missing.

Commands:
  serve       (default) Start the node RPC layer.
  migrate up  Run database migrations only.
  ensure-db   Create the database on the same host as DATABASE_URL.

Environment: BUS_URL, DATABASE_URL, STORE_BACKEND, RPC_SUBJECT, NODE_VERSION,
PROTOCOL_VERSION, MIN_CLIENT_VERSION, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 || args[1] != "up" {
			log.Fatalf("node migrate: require subcommand up")
		}
		if err := runMigrateUp(); err != nil {
			log.Fatalf("node migrate up: %v", err)
		}
		return
	case "ensure-db":
		if err := runEnsureDB(); err != nil {
			log.Fatalf("node ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("node: %v", err)
	}
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	// Migrations run statements one at a time.
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, 1)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return db.RunMigrations(ctx, pool)
}

func runEnsureDB() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	return db.EnsureDatabase(context.Background(), cfg.DatabaseURL)
}
