package dispatcher

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ledgermesh/node-rpc/pkg/observe"
	"github.com/ledgermesh/node-rpc/pkg/session"
	"github.com/ledgermesh/node-rpc/pkg/wire"
)

type kindedError struct {
	kind string
	msg  string
}

func (e *kindedError) Error() string       { return e.msg }
func (e *kindedError) FailureKind() string { return e.kind }

func testRegistry(t *testing.T) *wire.Registry {
	t.Helper()
	reg, err := wire.NewRegistry(wire.CoreCodecs()...)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func encodeArgs(t *testing.T, reg *wire.Registry, args ...any) []byte {
	t.Helper()
	data, err := wire.EncodeArgs(reg, args...)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	return data
}

// newDispatcher wires a dispatcher over the given operations with a
// frame-dropping multiplexer and no client version gate unless asked.
func newDispatcher(t *testing.T, reg *wire.Registry, ops []Operation, minClient string) (*Dispatcher, *observe.Multiplexer) {
	t.Helper()
	table, err := NewTable(ops)
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	mux := observe.New(reg, observe.PublishFunc(func(string, []byte) error { return nil }))
	d, err := New(Params{Table: table, Registry: reg, Multiplexer: mux, MinClientVersion: minClient})
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	return d, mux
}

func request(method string, args []byte) *wire.RequestEnvelope {
	return &wire.RequestEnvelope{
		Method:          method,
		Args:            args,
		ReplyTo:         "inbox.reply",
		ObservationsTo:  "inbox.frames",
		Identity:        wire.Identity{Name: "alice", Permissions: []string{"read", "write"}},
		ProtocolVersion: 2,
		ClientVersion:   "1.4.0",
	}
}

func expectFailure(t *testing.T, reply *wire.ReplyEnvelope, kind string) *wire.Failure {
	t.Helper()
	if reply.OK {
		t.Fatal("expected a failure reply")
	}
	if reply.Failure == nil {
		t.Fatal("failure reply carries no failure")
	}
	if reply.Failure.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%s)", kind, reply.Failure.Kind, reply.Failure.Message)
	}
	return reply.Failure
}

func TestDispatch_Success(t *testing.T) {
	reg := testRegistry(t)
	d, _ := newDispatcher(t, reg, []Operation{{
		Name:   "echo",
		Params: []reflect.Type{reflect.TypeOf("")},
		Handler: func(ctx context.Context, args []any) (any, error) {
			return "hello " + args[0].(string), nil
		},
	}}, "")

	reply := d.Dispatch(context.Background(), request("echo", encodeArgs(t, reg, "world")))
	if !reply.OK {
		t.Fatalf("expected success, got %v", reply.Failure)
	}
	v, err := reg.Decode(reply.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if v.(string) != "hello world" {
		t.Errorf("unexpected result %q", v)
	}
}

func TestDispatch_UnknownOperation(t *testing.T) {
	reg := testRegistry(t)
	d, _ := newDispatcher(t, reg, nil, "")

	reply := d.Dispatch(context.Background(), request("nope", nil))
	f := expectFailure(t, reply, wire.KindUnknownOperation)
	if !strings.Contains(f.Message, "nope") {
		t.Errorf("message should name the operation: %q", f.Message)
	}
}

func TestDispatch_ProtocolVersionGate(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	d, _ := newDispatcher(t, reg, []Operation{{
		Name:       "watch",
		MinVersion: 3,
		Handler: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			return true, nil
		},
	}}, "")

	env := request("watch", encodeArgs(t, reg))
	env.ProtocolVersion = 2
	expectFailure(t, d.Dispatch(context.Background(), env), wire.KindUnsupportedVersion)
	if calls.Load() != 0 {
		t.Error("handler ran despite version refusal")
	}

	env.ProtocolVersion = 3
	if reply := d.Dispatch(context.Background(), env); !reply.OK {
		t.Fatalf("expected success at version 3: %v", reply.Failure)
	}
}

func TestDispatch_ClientVersionGate(t *testing.T) {
	reg := testRegistry(t)
	ops := []Operation{{
		Name:    "ping",
		Handler: func(ctx context.Context, args []any) (any, error) { return true, nil },
	}}
	d, _ := newDispatcher(t, reg, ops, ">= 1.2.0")

	cases := map[string]struct {
		clientVersion string
		wantOK        bool
	}{
		"satisfies":    {"1.3.0", true},
		"too old":      {"1.0.0", false},
		"not a semver": {"not-a-version", false},
		"empty skips":  {"", true},
	}
	for name, tc := range cases {
		env := request("ping", encodeArgs(t, reg))
		env.ClientVersion = tc.clientVersion
		reply := d.Dispatch(context.Background(), env)
		if reply.OK != tc.wantOK {
			t.Errorf("%s: ok=%v, want %v (%v)", name, reply.OK, tc.wantOK, reply.Failure)
		}
		if !tc.wantOK {
			expectFailure(t, reply, wire.KindUnsupportedVersion)
		}
	}
}

func TestDispatch_PermissionDeniedBeforeExecution(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	d, _ := newDispatcher(t, reg, []Operation{{
		Name:       "transfer",
		Permission: "write",
		Handler: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			return true, nil
		},
	}}, "")

	env := request("transfer", encodeArgs(t, reg))
	env.Identity.Permissions = []string{"read"}
	expectFailure(t, d.Dispatch(context.Background(), env), wire.KindPermissionDenied)
	if calls.Load() != 0 {
		t.Error("handler ran despite permission denial")
	}
}

func TestDispatch_CallerBoundInContext(t *testing.T) {
	reg := testRegistry(t)
	d, _ := newDispatcher(t, reg, []Operation{{
		Name: "whoami",
		Handler: func(ctx context.Context, args []any) (any, error) {
			u, ok := session.CallerFrom(ctx)
			if !ok {
				return nil, errors.New("no caller bound")
			}
			return u.Name, nil
		},
	}}, "")

	reply := d.Dispatch(context.Background(), request("whoami", encodeArgs(t, reg)))
	if !reply.OK {
		t.Fatalf("expected success: %v", reply.Failure)
	}
	v, err := reg.Decode(reply.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if v.(string) != "alice" {
		t.Errorf("expected alice, got %v", v)
	}
}

func TestDispatch_ArgumentMismatch(t *testing.T) {
	reg := testRegistry(t)
	d, _ := newDispatcher(t, reg, []Operation{{
		Name:    "getBalance",
		Params:  []reflect.Type{reflect.TypeOf("")},
		Handler: func(ctx context.Context, args []any) (any, error) { return true, nil },
	}}, "")

	// Wrong count.
	reply := d.Dispatch(context.Background(), request("getBalance", encodeArgs(t, reg)))
	expectFailure(t, reply, wire.KindTransport)

	// Wrong type.
	reply = d.Dispatch(context.Background(), request("getBalance", encodeArgs(t, reg, int64(7))))
	expectFailure(t, reply, wire.KindTransport)

	// Garbage bytes.
	reply = d.Dispatch(context.Background(), request("getBalance", []byte{0xFF, 0xFF}))
	expectFailure(t, reply, wire.KindTransport)
}

func TestDispatch_ApplicationFailureKeepsKindAndMessage(t *testing.T) {
	reg := testRegistry(t)
	d, _ := newDispatcher(t, reg, []Operation{{
		Name: "getBalance",
		Handler: func(ctx context.Context, args []any) (any, error) {
			return nil, &kindedError{kind: "NOT_FOUND", msg: "account ghost does not exist"}
		},
	}}, "")

	reply := d.Dispatch(context.Background(), request("getBalance", encodeArgs(t, reg)))
	f := expectFailure(t, reply, "NOT_FOUND")
	if f.Message != "account ghost does not exist" {
		t.Errorf("message not preserved: %q", f.Message)
	}
}

func TestDispatch_PlainErrorBecomesApplicationFailure(t *testing.T) {
	reg := testRegistry(t)
	d, _ := newDispatcher(t, reg, []Operation{{
		Name:    "boom",
		Handler: func(ctx context.Context, args []any) (any, error) { return nil, errors.New("boom") },
	}}, "")

	reply := d.Dispatch(context.Background(), request("boom", encodeArgs(t, reg)))
	expectFailure(t, reply, wire.KindApplication)
}

func TestDispatch_PanicRecovered(t *testing.T) {
	reg := testRegistry(t)
	d, _ := newDispatcher(t, reg, []Operation{{
		Name:    "explode",
		Handler: func(ctx context.Context, args []any) (any, error) { panic("index out of range in secret.go") },
	}}, "")

	reply := d.Dispatch(context.Background(), request("explode", encodeArgs(t, reg)))
	f := expectFailure(t, reply, wire.KindApplication)
	if strings.Contains(f.Message, "secret.go") {
		t.Errorf("panic detail leaked to the client: %q", f.Message)
	}
}

func TestDispatch_StreamingRequiresObservationsAddress(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	d, _ := newDispatcher(t, reg, []Operation{{
		Name:      "watch",
		Streaming: true,
		Handler: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			return &wire.Stream{Events: make(chan wire.StreamEvent)}, nil
		},
	}}, "")

	env := request("watch", encodeArgs(t, reg))
	env.ObservationsTo = ""
	expectFailure(t, d.Dispatch(context.Background(), env), wire.KindProtocolMisuse)
	if calls.Load() != 0 {
		t.Error("handler ran without an observations address")
	}
}

func TestDispatch_StreamFromNonStreamingOperation(t *testing.T) {
	reg := testRegistry(t)
	var published atomic.Int32
	var stopped atomic.Bool
	table, err := NewTable([]Operation{{
		Name: "sneaky",
		Handler: func(ctx context.Context, args []any) (any, error) {
			return &wire.Stream{
				Events: make(chan wire.StreamEvent),
				Stop:   func() { stopped.Store(true) },
			}, nil
		},
	}})
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	mux := observe.New(reg, observe.PublishFunc(func(string, []byte) error {
		published.Add(1)
		return nil
	}))
	d, err := New(Params{Table: table, Registry: reg, Multiplexer: mux})
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}

	reply := d.Dispatch(context.Background(), request("sneaky", encodeArgs(t, reg)))
	expectFailure(t, reply, wire.KindProtocolMisuse)
	if mux.Active() != 0 {
		t.Errorf("undeclared stream left %d live subscriptions", mux.Active())
	}
	if published.Load() != 0 {
		t.Errorf("%d frames escaped for an undeclared stream", published.Load())
	}
	if !stopped.Load() {
		t.Error("rejected stream's producer was not stopped")
	}
}

// captureDecoder records the handle a reply payload referenced.
type captureDecoder struct{ handle wire.StreamHandle }

func (c *captureDecoder) DecodeStream(h wire.StreamHandle) (*wire.Stream, error) {
	c.handle = h
	return &wire.Stream{Events: make(chan wire.StreamEvent)}, nil
}

func TestDispatch_StreamingReplyCarriesLiveHandle(t *testing.T) {
	reg := testRegistry(t)
	events := make(chan wire.StreamEvent)
	d, mux := newDispatcher(t, reg, []Operation{{
		Name:      "watch",
		Streaming: true,
		Handler: func(ctx context.Context, args []any) (any, error) {
			return &wire.Stream{Events: events}, nil
		},
	}}, "")

	reply := d.Dispatch(context.Background(), request("watch", encodeArgs(t, reg)))
	if !reply.OK {
		t.Fatalf("expected success: %v", reply.Failure)
	}
	if mux.Active() != 1 {
		t.Fatalf("expected 1 live subscription, got %d", mux.Active())
	}

	dec := &captureDecoder{}
	if _, err := reg.WithStreamCodec(nil, dec).Decode(reply.Payload); err != nil {
		t.Fatalf("decode streaming reply: %v", err)
	}
	if dec.handle == 0 {
		t.Error("reply carried handle 0")
	}
	mux.Cancel(dec.handle)
}

func TestNewTable_Completeness(t *testing.T) {
	h := func(ctx context.Context, args []any) (any, error) { return nil, nil }

	if _, err := NewTable([]Operation{{Name: "", Handler: h}}); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := NewTable([]Operation{{Name: "op"}}); err == nil {
		t.Error("nil handler accepted")
	}
	if _, err := NewTable([]Operation{{Name: "op", Handler: h}, {Name: "op", Handler: h}}); err == nil {
		t.Error("duplicate name accepted")
	}

	table, err := NewTable([]Operation{{Name: "b", Handler: h}, {Name: "a", Handler: h}})
	if err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}
	names := table.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("unexpected names %v", names)
	}
}
