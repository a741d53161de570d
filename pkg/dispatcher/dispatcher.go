package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/Masterminds/semver/v3"

	"github.com/ledgermesh/node-rpc/pkg/observe"
	"github.com/ledgermesh/node-rpc/pkg/session"
	"github.com/ledgermesh/node-rpc/pkg/wire"
)

const logPrefix = "dispatcher:dispatch"

// Dispatcher executes request envelopes against a static operation table.
type Dispatcher struct {
	table *Table
	reg   *wire.Registry
	mux   *observe.Multiplexer

	// minClientVersion, when non-nil, refuses clients whose reported
	// software version does not satisfy the constraint.
	minClientVersion *semver.Constraints
}

// Params configures New.
type Params struct {
	Table            *Table
	Registry         *wire.Registry
	Multiplexer      *observe.Multiplexer
	MinClientVersion string // semver constraint, empty = no gate
}

// New creates a Dispatcher.
func New(p Params) (*Dispatcher, error) {
	if p.Table == nil {
		return nil, fmt.Errorf("dispatcher: nil operation table")
	}
	if p.Registry == nil {
		return nil, fmt.Errorf("dispatcher: nil codec registry")
	}
	d := &Dispatcher{table: p.Table, reg: p.Registry, mux: p.Multiplexer}
	if p.MinClientVersion != "" {
		c, err := semver.NewConstraint(p.MinClientVersion)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: invalid min client version constraint %q: %w", p.MinClientVersion, err)
		}
		d.minClientVersion = c
	}
	return d, nil
}

// Dispatch executes one invocation and returns its single synchronous reply.
// Application failures come back as failure replies (kind + message only);
// transport-level problems come back as TRANSPORT_ERROR failures. Dispatch
// never panics across this boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, env *wire.RequestEnvelope) *wire.ReplyEnvelope {
	slog.Debug(fmt.Sprintf("%s - method=%s caller=%s proto=%d", logPrefix, env.Method, env.Identity.Name, env.ProtocolVersion))

	op, ok := d.table.Lookup(env.Method)
	if !ok {
		return failureReply(wire.KindUnknownOperation, fmt.Sprintf("unknown operation: %s", env.Method))
	}

	if env.ProtocolVersion < op.MinVersion {
		return failureReply(wire.KindUnsupportedVersion,
			fmt.Sprintf("operation %s requires protocol version %d, session negotiated %d", op.Name, op.MinVersion, env.ProtocolVersion))
	}
	if reply := d.checkClientVersion(env); reply != nil {
		return reply
	}

	// Bind the caller and check the gate strictly before execution begins:
	// a denial must never expose partial side effects.
	ctx = session.WithCaller(ctx, session.User{Name: env.Identity.Name, Permissions: env.Identity.Permissions})
	if op.Permission != "" {
		if err := session.RequirePermission(ctx, op.Permission); err != nil {
			return failureReply(wire.KindPermissionDenied, err.Error())
		}
	}

	args, err := wire.DecodeArgs(d.reg, env.Args)
	if err != nil {
		return failureReply(wire.KindTransport, fmt.Sprintf("decode arguments for %s: %v", op.Name, err))
	}
	if err := checkParams(op, args); err != nil {
		return failureReply(wire.KindTransport, err.Error())
	}

	if op.Streaming {
		if d.mux == nil {
			return failureReply(wire.KindProtocolMisuse, fmt.Sprintf("operation %s streams but this node has no observation multiplexer", op.Name))
		}
		if env.ObservationsTo == "" {
			return failureReply(wire.KindProtocolMisuse, fmt.Sprintf("operation %s streams but the request carries no observations address", op.Name))
		}
	}

	result, err := d.invoke(ctx, op, args)
	if err != nil {
		return &wire.ReplyEnvelope{OK: false, Failure: toFailure(err)}
	}

	return d.encodeReply(op, env, result)
}

// invoke runs the handler, converting panics into opaque application
// failures; the server's internals are not transmitted to the client.
func (d *Dispatcher) invoke(ctx context.Context, op Operation, args []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - panic in operation %s: %v", logPrefix, op.Name, rec))
			err = wire.Failf(wire.KindApplication, "operation %s failed internally", op.Name)
		}
	}()
	return op.Handler(ctx, args)
}

// encodeReply serializes the result. For streaming operations the session
// stream codec registers each contained stream with the multiplexer against
// the envelope's observation address, so the reply carries handles that are
// live before the client can see them.
func (d *Dispatcher) encodeReply(op Operation, env *wire.RequestEnvelope, result any) *wire.ReplyEnvelope {
	reg := d.reg
	var enc *registeringEncoder
	if op.Streaming {
		enc = &registeringEncoder{mux: d.mux, dest: env.ObservationsTo}
		reg = reg.WithStreamCodec(enc, nil)
	}

	payload, err := reg.Encode(result)
	if err != nil {
		// Registrations from a partially encoded reply must not leak, and
		// neither must the producer behind a stream the reply rejects.
		if enc != nil {
			enc.cancelAll()
		}
		stopStreams(result)
		if errors.Is(err, wire.ErrStreamNotAllowed) {
			return failureReply(wire.KindProtocolMisuse,
				fmt.Sprintf("operation %s returned a stream but is not declared streaming", op.Name))
		}
		slog.Error(fmt.Sprintf("%s - encode reply for %s: %v", logPrefix, op.Name, err))
		return failureReply(wire.KindTransport, fmt.Sprintf("encode reply for %s failed", op.Name))
	}
	return &wire.ReplyEnvelope{OK: true, Payload: payload}
}

func (d *Dispatcher) checkClientVersion(env *wire.RequestEnvelope) *wire.ReplyEnvelope {
	if d.minClientVersion == nil || env.ClientVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(env.ClientVersion)
	if err != nil {
		return failureReply(wire.KindUnsupportedVersion, fmt.Sprintf("client version %q is not a valid version", env.ClientVersion))
	}
	if !d.minClientVersion.Check(v) {
		return failureReply(wire.KindUnsupportedVersion,
			fmt.Sprintf("client version %s does not satisfy node requirement %s", env.ClientVersion, d.minClientVersion))
	}
	return nil
}

func checkParams(op Operation, args []any) error {
	if len(args) != len(op.Params) {
		return fmt.Errorf("operation %s takes %d arguments, got %d", op.Name, len(op.Params), len(args))
	}
	for i, a := range args {
		if got := reflect.TypeOf(a); got != op.Params[i] {
			return fmt.Errorf("operation %s argument %d: want %s, got %s", op.Name, i, op.Params[i], got)
		}
	}
	return nil
}

// registeringEncoder is the per-call session stream encoder: it registers
// streams with the live multiplexer and remembers the handles so a failed
// reply encode can roll them back before any frame escapes.
type registeringEncoder struct {
	mux        *observe.Multiplexer
	dest       string
	registered []wire.StreamHandle
}

func (e *registeringEncoder) EncodeStream(s *wire.Stream) (wire.StreamHandle, error) {
	h, err := e.mux.Register(s, e.dest)
	if err != nil {
		return 0, err
	}
	e.registered = append(e.registered, h)
	return h, nil
}

func (e *registeringEncoder) cancelAll() {
	for _, h := range e.registered {
		e.mux.Cancel(h)
	}
}

// stopStreams stops the producer behind a stream result whose reply was not
// sent. Stop is safe to repeat, so a stream already cancelled through the
// multiplexer is unaffected.
func stopStreams(result any) {
	if s, ok := result.(*wire.Stream); ok && s != nil && s.Stop != nil {
		s.Stop()
	}
}

// --- helpers ---

func failureReply(kind, message string) *wire.ReplyEnvelope {
	return &wire.ReplyEnvelope{OK: false, Failure: &wire.Failure{Kind: kind, Message: message}}
}

// toFailure converts a handler error into the wire failure shape, keeping
// declared kind and message and dropping everything else.
func toFailure(err error) *wire.Failure {
	var f *wire.Failure
	if errors.As(err, &f) {
		return f
	}
	var perr *session.PermissionError
	if errors.As(err, &perr) {
		return wire.Failf(wire.KindPermissionDenied, "%s", perr.Error())
	}
	var cerr *wire.CodecError
	if errors.As(err, &cerr) {
		return wire.Failf(wire.KindTransport, "%s", cerr.Error())
	}
	type kinder interface{ FailureKind() string }
	if k, ok := err.(kinder); ok {
		return wire.Failf(k.FailureKind(), "%s", err.Error())
	}
	return wire.Failf(wire.KindApplication, "%s", err.Error())
}
