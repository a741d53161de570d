package ledger

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ledgermesh/node-rpc/pkg/wire"
)

const feedLogPrefix = "ledger:feed"

// Feed broadcasts applied balance updates to watch subscribers. Each
// subscriber gets its own buffered channel wrapped as a wire.Stream; a
// subscriber that falls more than the buffer behind loses oldest-first
// (the transport boundary is where the documented unbounded-accumulation
// risk lives, not here).
type Feed struct {
	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]chan wire.StreamEvent
	buffer int
	closed bool
}

// NewFeed creates a feed whose subscriber channels buffer up to buffer
// updates.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: make(map[int]chan wire.StreamEvent), buffer: buffer}
}

// Publish assigns the next sequence number to u and fans it out. Updates for
// one feed are sequenced under one lock, so every subscriber observes them
// in the same order.
func (f *Feed) Publish(u BalanceUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.seq++
	u.Seq = f.seq
	for id, ch := range f.subs {
		select {
		case ch <- wire.StreamEvent{Value: u}:
		default:
			// Drop the oldest buffered update to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- wire.StreamEvent{Value: u}:
			default:
			}
			slog.Warn(fmt.Sprintf("%s - subscriber %d behind, dropped an update", feedLogPrefix, id))
		}
	}
}

// Subscribe returns a stream of future updates. The stream completes when
// the feed closes; its Stop detaches the subscriber.
func (f *Feed) Subscribe() *wire.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan wire.StreamEvent, f.buffer)
	if f.closed {
		close(ch)
		return &wire.Stream{Events: ch, Stop: func() {}}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return &wire.Stream{
		Events: ch,
		Stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, live := f.subs[id]; live {
				delete(f.subs, id)
				close(ch)
			}
		},
	}
}

// Subscribers reports the live subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close completes every subscriber stream and rejects further publishes.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
