package observe

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ledgermesh/node-rpc/pkg/wire"
)

const frameWait = 2 * time.Second

// framePublisher decodes every published frame and hands it to the test over
// a channel, keyed by destination.
type framePublisher struct {
	mu     sync.Mutex
	frames chan publishedFrame
	fail   map[string]bool
}

type publishedFrame struct {
	dest  string
	frame *wire.ObservationFrame
}

func newFramePublisher() *framePublisher {
	return &framePublisher{
		frames: make(chan publishedFrame, 128),
		fail:   make(map[string]bool),
	}
}

func (p *framePublisher) failDestination(dest string) {
	p.mu.Lock()
	p.fail[dest] = true
	p.mu.Unlock()
}

func (p *framePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	failing := p.fail[subject]
	p.mu.Unlock()
	if failing {
		return errors.New("destination unreachable")
	}
	frame, err := wire.UnmarshalObservation(data)
	if err != nil {
		return fmt.Errorf("published frame does not decode: %w", err)
	}
	p.frames <- publishedFrame{dest: subject, frame: frame}
	return nil
}

func (p *framePublisher) next(t *testing.T) publishedFrame {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(frameWait):
		t.Fatal("timed out waiting for an observation frame")
		return publishedFrame{}
	}
}

func (p *framePublisher) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-p.frames:
		t.Fatalf("unexpected frame: handle=%d kind=%d", f.frame.Handle, f.frame.Kind)
	case <-time.After(wait):
	}
}

func testRegistry(t *testing.T) *wire.Registry {
	t.Helper()
	reg, err := wire.NewRegistry(wire.CoreCodecs()...)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func eventStream(events chan wire.StreamEvent) *wire.Stream {
	return &wire.Stream{Events: events}
}

func waitDrained(t *testing.T, m *Multiplexer) {
	t.Helper()
	deadline := time.Now().Add(frameWait)
	for m.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("multiplexer still holds %d subscriptions", m.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMultiplexer_OrderedEmissionsThenCompleted(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	events := make(chan wire.StreamEvent, 8)
	handle, err := m.Register(eventStream(events), "inbox.alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if handle == 0 {
		t.Fatal("expected a nonzero handle")
	}

	for i := int64(1); i <= 3; i++ {
		events <- wire.StreamEvent{Value: i * 10}
	}
	close(events)

	reg := testRegistry(t)
	for i := int64(1); i <= 3; i++ {
		got := pub.next(t)
		if got.dest != "inbox.alice" {
			t.Errorf("frame %d sent to %s", i, got.dest)
		}
		if got.frame.Handle != handle || got.frame.Kind != wire.OnNext {
			t.Fatalf("frame %d: handle=%d kind=%d", i, got.frame.Handle, got.frame.Kind)
		}
		v, err := reg.Decode(got.frame.Payload)
		if err != nil {
			t.Fatalf("decode frame %d payload: %v", i, err)
		}
		if v.(int64) != i*10 {
			t.Errorf("frame %d carried %v, want %d", i, v, i*10)
		}
	}

	terminal := pub.next(t)
	if terminal.frame.Kind != wire.OnCompleted || terminal.frame.Handle != handle {
		t.Fatalf("terminal frame: handle=%d kind=%d", terminal.frame.Handle, terminal.frame.Kind)
	}
	waitDrained(t, m)
	pub.expectNone(t, 50*time.Millisecond)
}

func TestMultiplexer_ErrorTerminatesWithKind(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	events := make(chan wire.StreamEvent, 1)
	handle, err := m.Register(eventStream(events), "inbox.bob")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	events <- wire.StreamEvent{Err: wire.Failf("NOT_FOUND", "account vanished")}

	got := pub.next(t)
	if got.frame.Kind != wire.OnError || got.frame.Handle != handle {
		t.Fatalf("terminal frame: handle=%d kind=%d", got.frame.Handle, got.frame.Kind)
	}
	if got.frame.Failure == nil || got.frame.Failure.Kind != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND failure, got %#v", got.frame.Failure)
	}
	if got.frame.Failure.Message != "account vanished" {
		t.Errorf("unexpected message %q", got.frame.Failure.Message)
	}
	waitDrained(t, m)
}

func TestMultiplexer_PlainErrorMapsToApplicationKind(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	events := make(chan wire.StreamEvent, 1)
	if _, err := m.Register(eventStream(events), "inbox.bob"); err != nil {
		t.Fatalf("register: %v", err)
	}
	events <- wire.StreamEvent{Err: errors.New("boom")}

	got := pub.next(t)
	if got.frame.Kind != wire.OnError {
		t.Fatalf("expected OnError, got kind=%d", got.frame.Kind)
	}
	if got.frame.Failure.Kind != wire.KindApplication || got.frame.Failure.Message != "boom" {
		t.Fatalf("unexpected failure %#v", got.frame.Failure)
	}
	waitDrained(t, m)
}

func TestMultiplexer_CancelSuppressesFramesWithoutTerminal(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	events := make(chan wire.StreamEvent)
	stopped := make(chan struct{})
	s := &wire.Stream{Events: events, Stop: func() { close(stopped) }}
	handle, err := m.Register(s, "inbox.carol")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	events <- wire.StreamEvent{Value: int64(1)}
	first := pub.next(t)
	if first.frame.Kind != wire.OnNext {
		t.Fatalf("expected OnNext, got kind=%d", first.frame.Kind)
	}

	m.Cancel(handle)
	m.Cancel(handle) // idempotent

	select {
	case <-stopped:
	case <-time.After(frameWait):
		t.Fatal("cancel did not stop the underlying stream")
	}
	if m.Active() != 0 {
		t.Errorf("expected no live subscriptions, got %d", m.Active())
	}
	// No terminal frame follows a cancellation.
	pub.expectNone(t, 50*time.Millisecond)
}

func TestMultiplexer_HandlesNeverReused(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	seen := make(map[wire.StreamHandle]bool)
	for i := 0; i < 20; i++ {
		events := make(chan wire.StreamEvent)
		h, err := m.Register(eventStream(events), "inbox.dave")
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		if seen[h] {
			t.Fatalf("handle %d reissued", h)
		}
		seen[h] = true
		m.Cancel(h)
	}
	waitDrained(t, m)
}

func TestMultiplexer_CancelDestination(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	for i := 0; i < 3; i++ {
		if _, err := m.Register(eventStream(make(chan wire.StreamEvent)), "inbox.gone"); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if _, err := m.Register(eventStream(make(chan wire.StreamEvent)), "inbox.alive"); err != nil {
		t.Fatalf("register survivor: %v", err)
	}

	m.CancelDestination("inbox.gone")

	deadline := time.Now().Add(frameWait)
	for m.Active() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 surviving subscription, got %d", m.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMultiplexer_PublishFailureTearsDownDestination(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	events := make(chan wire.StreamEvent, 4)
	if _, err := m.Register(eventStream(events), "inbox.flaky"); err != nil {
		t.Fatalf("register: %v", err)
	}
	pub.failDestination("inbox.flaky")

	events <- wire.StreamEvent{Value: int64(7)}
	waitDrained(t, m)
	pub.expectNone(t, 50*time.Millisecond)
}

func TestMultiplexer_RegisterAfterClose(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	events := make(chan wire.StreamEvent)
	if _, err := m.Register(eventStream(events), "inbox.eve"); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.Close()
	waitDrained(t, m)

	if _, err := m.Register(eventStream(make(chan wire.StreamEvent)), "inbox.eve"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMultiplexer_UnencodableEmissionEndsStream(t *testing.T) {
	pub := newFramePublisher()
	m := New(testRegistry(t), pub)

	events := make(chan wire.StreamEvent, 1)
	handle, err := m.Register(eventStream(events), "inbox.frank")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	events <- wire.StreamEvent{Value: struct{ X int }{1}}

	got := pub.next(t)
	if got.frame.Kind != wire.OnError || got.frame.Handle != handle {
		t.Fatalf("terminal frame: handle=%d kind=%d", got.frame.Handle, got.frame.Kind)
	}
	if got.frame.Failure.Kind != wire.KindTransport {
		t.Errorf("expected %s, got %s", wire.KindTransport, got.frame.Failure.Kind)
	}
	waitDrained(t, m)
}
