// Package server orchestrates the node RPC layer: bus connection, storage,
// codec registry, dispatcher, observation multiplexer, and the HTTP health
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/ledgermesh/node-rpc/internal/config"
	"github.com/ledgermesh/node-rpc/pkg/db"
	"github.com/ledgermesh/node-rpc/pkg/dispatcher"
	"github.com/ledgermesh/node-rpc/pkg/ledger"
	"github.com/ledgermesh/node-rpc/pkg/observe"
	"github.com/ledgermesh/node-rpc/pkg/session"
	"github.com/ledgermesh/node-rpc/pkg/transport"
	"github.com/ledgermesh/node-rpc/pkg/wire"
)

const logPrefix = "server:server"

// Run starts the node, blocks until a shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting %s version %s (protocol %d)", logPrefix, cfg.NodeName, cfg.NodeVersion, cfg.ProtocolVersion))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcSubject := cfg.RPCSubject
	if rpcSubject == "" {
		rpcSubject = transport.SubjectRPC
	}
	slog.Info(fmt.Sprintf("%s - RPC subject: %s", logPrefix, rpcSubject))

	nc, err := transport.Connect(cfg.BusURL, cfg.ServiceName)
	if err != nil {
		return err
	}

	// Storage and identity provider.
	var (
		store    ledger.Store
		provider session.Provider
		pool     *pgxpool.Pool
	)
	switch cfg.StoreBackend {
	case "postgres":
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			nc.Close()
			return err
		}
		if cfg.RunMigrations {
			if err := db.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				nc.Close()
				return err
			}
		}
		repo := db.NewRepository(pool)
		store, provider = repo, repo
	case "memory":
		balances, err := ParseSeedAccounts(cfg.SeedAccounts)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - SEED_ACCOUNTS: %w", logPrefix, err)
		}
		users, err := ParseStaticUsers(cfg.StaticUsers)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - STATIC_USERS: %w", logPrefix, err)
		}
		store, provider = ledger.NewMemStore(balances), users
	}

	reg, err := ledger.NewWireRegistry()
	if err != nil {
		closeAll(nil, pool, nc)
		return fmt.Errorf("%s - build codec registry: %w", logPrefix, err)
	}

	feed := ledger.NewFeed(256)
	svc, err := ledger.NewService(store, feed, ledger.NodeInfo{
		Name:             cfg.NodeName,
		Version:          cfg.NodeVersion,
		ProtocolVersion:  cfg.ProtocolVersion,
		MinClientVersion: cfg.MinClientVersion,
	})
	if err != nil {
		closeAll(nil, pool, nc)
		return err
	}

	mux := observe.New(reg, nc)

	table, err := dispatcher.NewTable(svc.Operations())
	if err != nil {
		closeAll(mux, pool, nc)
		return err
	}
	disp, err := dispatcher.New(dispatcher.Params{
		Table:            table,
		Registry:         reg,
		Multiplexer:      mux,
		MinClientVersion: cfg.MinClientVersion,
	})
	if err != nil {
		closeAll(mux, pool, nc)
		return err
	}
	slog.Info(fmt.Sprintf("%s - Operations: %s", logPrefix, strings.Join(table.Names(), ", ")))

	requestTimeout := cfg.RequestTimeout
	sub, err := nc.Subscribe(rpcSubject, func(msg *nats.Msg) {
		// One execution context per inbound envelope; invocations run
		// concurrently with each other and with live streams.
		go func() {
			env, err := wire.UnmarshalRequest(msg.Data)
			if err != nil {
				slog.Error(fmt.Sprintf("%s - malformed request envelope: %v", logPrefix, err))
				if msg.Reply != "" {
					reply := &wire.ReplyEnvelope{OK: false, Failure: wire.Failf(wire.KindTransport, "malformed request envelope")}
					nc.Publish(msg.Reply, wire.MarshalReply(reply))
				}
				return
			}
			if env.ReplyTo == "" {
				// Nowhere to report the outcome; fatal to the call.
				slog.Error(fmt.Sprintf("%s - request for %s carries no reply address", logPrefix, env.Method))
				return
			}

			reqCtx, cancelReq := context.WithTimeout(ctx, requestTimeout)
			defer cancelReq()

			// The envelope's identity is a reference; the permission set
			// comes from the node's own provider.
			if provider != nil {
				user, err := provider.Lookup(reqCtx, env.Identity.Name)
				if err != nil {
					slog.Error(fmt.Sprintf("%s - identity lookup for %q: %v", logPrefix, env.Identity.Name, err))
					reply := &wire.ReplyEnvelope{OK: false, Failure: wire.Failf(wire.KindTransport, "identity lookup failed")}
					nc.Publish(env.ReplyTo, wire.MarshalReply(reply))
					return
				}
				env.Identity.Permissions = user.Permissions
			}

			reply := disp.Dispatch(reqCtx, env)
			if err := nc.Publish(env.ReplyTo, wire.MarshalReply(reply)); err != nil {
				slog.Error(fmt.Sprintf("%s - publish reply for %s: %v", logPrefix, env.Method, err))
			}
		}()
	})
	if err != nil {
		closeAll(mux, pool, nc)
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, rpcSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, rpcSubject))

	cancelSubject := transport.CancelSubject(rpcSubject)
	cancelSub, err := nc.Subscribe(cancelSubject, func(msg *nats.Msg) {
		env, err := wire.UnmarshalCancel(msg.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - malformed cancel envelope: %v", logPrefix, err))
			return
		}
		for _, h := range env.Handles {
			mux.Cancel(h)
		}
	})
	if err != nil {
		sub.Unsubscribe()
		closeAll(mux, pool, nc)
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, cancelSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, cancelSubject))

	httpServer := startHealthServer(cfg, pool, mux, feed)

	slog.Info(fmt.Sprintf("%s - Node RPC layer is ready", logPrefix))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	sub.Unsubscribe()
	cancelSub.Unsubscribe()
	httpServer.Shutdown(ctx)
	feed.Close()
	mux.Close()
	nc.Drain()
	if pool != nil {
		pool.Close()
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func closeAll(mux *observe.Multiplexer, pool *pgxpool.Pool, nc *nats.Conn) {
	if mux != nil {
		mux.Close()
	}
	if pool != nil {
		pool.Close()
	}
	nc.Close()
}

type healthPayload struct {
	Status        string `json:"status"`
	Database      *bool  `json:"database,omitempty"`
	ActiveStreams int    `json:"activeStreams"`
	Watchers      int    `json:"watchers"`
}

func startHealthServer(cfg *config.Config, pool *pgxpool.Pool, mux *observe.Multiplexer, feed *ledger.Feed) *http.Server {
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), cfg.HealthCheckTimeout)
		defer cancel()

		payload := healthPayload{Status: "healthy", ActiveStreams: mux.Active(), Watchers: feed.Subscribers()}
		if pool != nil {
			ok := pool.Ping(healthCtx) == nil
			payload.Database = &ok
			if !ok {
				payload.Status = "unhealthy"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if payload.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(payload)
	})
	httpMux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(cfg.HTTPPort), Handler: httpMux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return httpServer
}

// ParseSeedAccounts parses "alice=100,bob=50" into balances.
func ParseSeedAccounts(spec string) (map[string]int64, error) {
	balances := make(map[string]int64)
	if strings.TrimSpace(spec) == "" {
		return balances, nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("entry %q: want name=balance", part)
		}
		balance, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: bad balance: %w", part, err)
		}
		balances[strings.TrimSpace(name)] = balance
	}
	return balances, nil
}

// ParseStaticUsers parses "alice:read|write;bob:read" into a static identity
// provider.
func ParseStaticUsers(spec string) (session.Static, error) {
	users := make(session.Static)
	if strings.TrimSpace(spec) == "" {
		return users, nil
	}
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, perms, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("entry %q: want name:perm|perm", part)
		}
		name = strings.TrimSpace(name)
		user := session.User{Name: name}
		for _, p := range strings.Split(perms, "|") {
			if p = strings.TrimSpace(p); p != "" {
				user.Permissions = append(user.Permissions, p)
			}
		}
		users[name] = user
	}
	return users, nil
}
