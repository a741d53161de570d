// Package observe multiplexes reactive result streams into addressed,
// framed observation messages. It owns the handle table: handle allocation,
// per-stream frame pumps, and teardown on completion, error, cancellation,
// or client disappearance.
package observe

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ledgermesh/node-rpc/pkg/wire"
)

const logPrefix = "observe:multiplexer"

// Publisher delivers an encoded frame to a destination address on the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PublishFunc adapts a function to Publisher (callback fakes in tests).
type PublishFunc func(subject string, data []byte) error

func (f PublishFunc) Publish(subject string, data []byte) error { return f(subject, data) }

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("observe: multiplexer closed")

type subscription struct {
	handle wire.StreamHandle
	dest   string
	stream *wire.Stream
	stop   chan struct{}

	// mu serializes frame delivery against cancellation: once cancelled is
	// set no further frame for this handle is published.
	mu        sync.Mutex
	cancelled bool
	stopOnce  sync.Once
}

func (s *subscription) halt() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.stream.Stop != nil {
			s.stream.Stop()
		}
	})
}

// Multiplexer is the registry of live streamed-result subscriptions.
type Multiplexer struct {
	reg *wire.Registry
	pub Publisher

	mu      sync.Mutex
	next    uint64
	records map[wire.StreamHandle]*subscription
	byDest  map[string]map[wire.StreamHandle]*subscription
	closed  bool
}

// New builds a multiplexer encoding emitted values with reg and delivering
// frames through pub.
func New(reg *wire.Registry, pub Publisher) *Multiplexer {
	return &Multiplexer{
		reg:     reg,
		pub:     pub,
		records: make(map[wire.StreamHandle]*subscription),
		byDest:  make(map[string]map[wire.StreamHandle]*subscription),
	}
}

// Register allocates the next handle, subscribes to the stream, and returns
// the handle synchronously so it can be embedded in the reply about to be
// sent. Handles are process-unique and never reused.
func (m *Multiplexer) Register(s *wire.Stream, destination string) (wire.StreamHandle, error) {
	if s == nil || s.Events == nil {
		return 0, fmt.Errorf("observe: nil stream")
	}
	if destination == "" {
		return 0, fmt.Errorf("observe: empty destination address")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.next++
	sub := &subscription{
		handle: wire.StreamHandle(m.next),
		dest:   destination,
		stream: s,
		stop:   make(chan struct{}),
	}
	m.records[sub.handle] = sub
	if m.byDest[destination] == nil {
		m.byDest[destination] = make(map[wire.StreamHandle]*subscription)
	}
	m.byDest[destination][sub.handle] = sub
	m.mu.Unlock()

	go m.pump(sub)
	return sub.handle, nil
}

// Active reports the number of live subscriptions.
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Cancel unsubscribes the handle and removes its record without sending a
// terminal frame. Idempotent and safe against a racing in-flight emission:
// after Cancel returns, no further frame for the handle is published.
func (m *Multiplexer) Cancel(h wire.StreamHandle) {
	m.mu.Lock()
	sub, ok := m.records[h]
	if ok {
		m.remove(sub)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.cancelled = true
	sub.mu.Unlock()
	sub.halt()
	slog.Debug(fmt.Sprintf("%s - cancelled handle %d", logPrefix, h))
}

// CancelDestination cancels every subscription bound to a destination. This
// is the teardown path when a client's address becomes unreachable or the
// client says goodbye.
func (m *Multiplexer) CancelDestination(destination string) {
	m.mu.Lock()
	subs := m.byDest[destination]
	handles := make([]wire.StreamHandle, 0, len(subs))
	for h := range subs {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Cancel(h)
	}
	if len(handles) > 0 {
		slog.Info(fmt.Sprintf("%s - cancelled %d subscriptions for destination %s", logPrefix, len(handles), destination))
	}
}

// Close cancels every live subscription; subsequent Register calls fail.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]wire.StreamHandle, 0, len(m.records))
	for h := range m.records {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Cancel(h)
	}
}

// remove must be called with m.mu held.
func (m *Multiplexer) remove(sub *subscription) {
	delete(m.records, sub.handle)
	if set := m.byDest[sub.dest]; set != nil {
		delete(set, sub.handle)
		if len(set) == 0 {
			delete(m.byDest, sub.dest)
		}
	}
}

// pump forwards stream events as observation frames until a terminal event
// or cancellation. Emissions for one stream arrive on one channel, so frame
// order matches emission order; unrelated subscriptions pump concurrently.
func (m *Multiplexer) pump(sub *subscription) {
	for {
		select {
		case <-sub.stop:
			return
		case ev, open := <-sub.stream.Events:
			if !open {
				m.finish(sub, &wire.ObservationFrame{Handle: sub.handle, Kind: wire.OnCompleted})
				return
			}
			if ev.Err != nil {
				m.finish(sub, &wire.ObservationFrame{
					Handle:  sub.handle,
					Kind:    wire.OnError,
					Failure: toFailure(ev.Err),
				})
				return
			}
			payload, err := m.reg.Encode(ev.Value)
			if err != nil {
				// An unencodable emission terminates the stream; the
				// process stays up and the client sees a terminal error.
				slog.Error(fmt.Sprintf("%s - encode emission for handle %d: %v", logPrefix, sub.handle, err))
				m.finish(sub, &wire.ObservationFrame{
					Handle:  sub.handle,
					Kind:    wire.OnError,
					Failure: wire.Failf(wire.KindTransport, "stream value could not be encoded"),
				})
				return
			}
			if !m.deliver(sub, &wire.ObservationFrame{Handle: sub.handle, Kind: wire.OnNext, Payload: payload}) {
				return
			}
		}
	}
}

// finish sends the terminal frame (unless the subscription lost a race with
// Cancel) and removes the record. Exactly one terminal notification is ever
// delivered per handle.
func (m *Multiplexer) finish(sub *subscription, frame *wire.ObservationFrame) {
	m.deliver(sub, frame)
	m.mu.Lock()
	m.remove(sub)
	m.mu.Unlock()
	sub.halt()
}

// deliver publishes one frame unless the subscription was cancelled. A
// publish failure means the destination is gone; the whole destination is
// torn down.
func (m *Multiplexer) deliver(sub *subscription, frame *wire.ObservationFrame) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.cancelled {
		return false
	}
	if err := m.pub.Publish(sub.dest, wire.MarshalObservation(frame)); err != nil {
		slog.Warn(fmt.Sprintf("%s - publish to %s failed, cancelling destination: %v", logPrefix, sub.dest, err))
		go m.CancelDestination(sub.dest)
		return false
	}
	return true
}

func toFailure(err error) *wire.Failure {
	var f *wire.Failure
	if errors.As(err, &f) {
		return f
	}
	type kinder interface{ FailureKind() string }
	if k, ok := err.(kinder); ok {
		return wire.Failf(k.FailureKind(), "%s", err.Error())
	}
	return wire.Failf(wire.KindApplication, "%s", err.Error())
}
