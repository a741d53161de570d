// Package dispatcher resolves inbound request envelopes to operations,
// applies version and permission gates, executes them, and produces the
// single synchronous reply. Streamed results are handed to the observation
// multiplexer before the reply is sent.
package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// Handler executes one operation. args arrive already decoded against the
// operation's declared parameter types; the returned value is encoded with
// the codec registry (with the session stream codec bound for streaming
// operations).
type Handler func(ctx context.Context, args []any) (any, error)

// Operation describes one entry of the node's capability surface.
type Operation struct {
	Name string

	// MinVersion is the lowest negotiated protocol version allowed to call
	// this operation. Older clients are refused instead of guessing
	// compatibility.
	MinVersion uint32

	// Streaming marks operations whose result contains reactive streams.
	// Streamed results are deliberately more expensive (unbounded frames at
	// the transport boundary) and must be opted into here; a stream in the
	// result of a non-streaming operation is a protocol misuse.
	Streaming bool

	// Permission, when set, is required of the caller before execution
	// begins.
	Permission string

	// Params are the declared parameter types, in order.
	Params []reflect.Type

	Handler Handler
}

// Table is the static, enumerated operation table, built once at startup.
type Table struct {
	ops map[string]Operation
}

// NewTable builds the table and checks it for completeness: every declared
// operation must have a handler, and names must be unique.
func NewTable(ops []Operation) (*Table, error) {
	t := &Table{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if op.Name == "" {
			return nil, fmt.Errorf("dispatcher: operation with empty name")
		}
		if op.Handler == nil {
			return nil, fmt.Errorf("dispatcher: operation %q has no handler", op.Name)
		}
		if _, dup := t.ops[op.Name]; dup {
			return nil, fmt.Errorf("dispatcher: duplicate operation %q", op.Name)
		}
		t.ops[op.Name] = op
	}
	return t, nil
}

// Lookup resolves an operation by name.
func (t *Table) Lookup(name string) (Operation, bool) {
	op, ok := t.ops[name]
	return op, ok
}

// Names returns the declared operation names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.ops))
	for name := range t.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
