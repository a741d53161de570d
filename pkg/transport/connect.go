// Package transport provides the message-bus connection helpers and the
// node's subject scheme.
package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const logPrefix = "transport:connect"

// Connect creates a bus connection to the given URL. The node may come up
// before the bus does, so a failed first dial keeps retrying in the
// background; subscriptions made on the pending connection are flushed once
// the bus is reachable.
func Connect(url, name string) (*nats.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to bus at %s as %s", logPrefix, url, name))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - bus disconnected: %v", logPrefix, err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info(fmt.Sprintf("%s - bus reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info(fmt.Sprintf("%s - bus connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to bus: %w", logPrefix, err)
	}

	if nc.IsConnected() {
		slog.Info(fmt.Sprintf("%s - Connected to bus at %s", logPrefix, nc.ConnectedUrl()))
	} else {
		slog.Warn(fmt.Sprintf("%s - bus at %s not reachable yet, retrying in the background", logPrefix, url))
	}
	return nc, nil
}
