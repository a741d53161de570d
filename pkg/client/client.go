// Package client is the bus-side caller of the node RPC layer: it frames
// request envelopes, awaits the single synchronous reply under a deadline,
// and routes observation frames to the client-side streams decoded out of
// replies.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ledgermesh/node-rpc/pkg/transport"
	"github.com/ledgermesh/node-rpc/pkg/wire"
)

const logPrefix = "client:client"

// streamBuffer is the per-stream frame buffer between the bus callback and
// the consumer. A consumer further behind than this loses frames; draining
// promptly is part of the streaming contract.
const streamBuffer = 1024

// pendingFrameLimit caps frames buffered for handles that have not yet been
// seen in a reply (frames can overtake the reply on the bus).
const pendingFrameLimit = 256

// DeadlineExceededError is the client-local failure raised when no reply
// arrives in time. The server is not told the call was abandoned.
type DeadlineExceededError struct {
	Method string
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("call %s: no reply within deadline", e.Method)
}

func (e *DeadlineExceededError) FailureKind() string { return wire.KindDeadlineExceeded }

// Options configures a Client.
type Options struct {
	// Subject is the node's RPC subject. Defaults to transport.SubjectRPC.
	Subject string
	// Identity is the authenticated caller reference attached to requests.
	Identity wire.Identity
	// ProtocolVersion is the negotiated protocol version for this session.
	ProtocolVersion uint32
	// Version is the client software version (semver), reported to the node.
	Version string
}

// Client issues calls against one node over the bus.
type Client struct {
	nc       *nats.Conn
	ownsConn bool
	base     *wire.Registry // encode side (no stream codec)
	reg      *wire.Registry // decode side with the stream decoder bound
	opts     Options
	obsInbox string
	obsSub   *nats.Subscription

	mu      sync.Mutex
	streams map[wire.StreamHandle]*clientStream
	pending map[wire.StreamHandle][]*wire.ObservationFrame
	// dead holds handles that finished or were cancelled. Late in-flight
	// frames for them are dropped instead of buffered; handles are never
	// reused, so an entry can never come back to life.
	dead   map[wire.StreamHandle]struct{}
	closed bool
}

// New creates a client on an existing connection. reg is the shared protocol
// registry; the client binds its own stream decoder to it.
func New(nc *nats.Conn, reg *wire.Registry, opts Options) (*Client, error) {
	if opts.Subject == "" {
		opts.Subject = transport.SubjectRPC
	}
	c := &Client{
		nc:       nc,
		base:     reg,
		opts:     opts,
		obsInbox: nats.NewInbox(),
		streams:  make(map[wire.StreamHandle]*clientStream),
		pending:  make(map[wire.StreamHandle][]*wire.ObservationFrame),
		dead:     make(map[wire.StreamHandle]struct{}),
	}
	c.reg = reg.WithStreamCodec(nil, c)

	sub, err := nc.Subscribe(c.obsInbox, c.handleObservation)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe observation inbox: %w", logPrefix, err)
	}
	c.obsSub = sub
	return c, nil
}

// Dial connects to the bus and creates a client that owns the connection.
func Dial(url string, reg *wire.Registry, opts Options) (*Client, error) {
	name := opts.Identity.Name
	if name == "" {
		name = "ledger-rpc-client"
	}
	nc, err := transport.Connect(url, name)
	if err != nil {
		return nil, err
	}
	c, err := New(nc, reg, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.ownsConn = true
	return c, nil
}

// Call invokes one operation and returns its decoded result. Failure replies
// come back as *wire.Failure; silence past the context deadline comes back
// as *DeadlineExceededError. Streaming results decode to *wire.Stream.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	argBytes, err := wire.EncodeArgs(c.base, args...)
	if err != nil {
		return nil, err
	}

	replyInbox := nats.NewInbox()
	sub, err := c.nc.SubscribeSync(replyInbox)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe reply inbox: %w", logPrefix, err)
	}
	defer sub.Unsubscribe()

	env := &wire.RequestEnvelope{
		Method:          method,
		Args:            argBytes,
		ReplyTo:         replyInbox,
		ObservationsTo:  c.obsInbox,
		Identity:        c.opts.Identity,
		ProtocolVersion: c.opts.ProtocolVersion,
		ClientVersion:   c.opts.Version,
	}
	if err := c.nc.PublishRequest(c.opts.Subject, replyInbox, wire.MarshalRequest(env)); err != nil {
		return nil, fmt.Errorf("%s - publish request: %w", logPrefix, err)
	}

	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, &DeadlineExceededError{Method: method}
		}
		return nil, fmt.Errorf("%s - await reply: %w", logPrefix, err)
	}

	reply, err := wire.UnmarshalReply(msg.Data)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, reply.Failure
	}
	return c.reg.Decode(reply.Payload)
}

// Cancel drops one live stream subscription server-side and client-side
// without a terminal event.
func (c *Client) Cancel(h wire.StreamHandle) error {
	c.mu.Lock()
	cs, ok := c.streams[h]
	if ok {
		delete(c.streams, h)
	}
	c.forget(h)
	c.mu.Unlock()
	if ok {
		cs.finish()
	}
	data := wire.MarshalCancel(&wire.CancelEnvelope{Handles: []wire.StreamHandle{h}})
	return c.nc.Publish(transport.CancelSubject(c.opts.Subject), data)
}

// Close cancels every live subscription, stops the observation inbox, and
// closes the connection if this client dialed it.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handles := make([]wire.StreamHandle, 0, len(c.streams))
	var open []*clientStream
	for h, cs := range c.streams {
		handles = append(handles, h)
		open = append(open, cs)
		delete(c.streams, h)
		c.forget(h)
	}
	c.mu.Unlock()

	if len(handles) > 0 {
		data := wire.MarshalCancel(&wire.CancelEnvelope{Handles: handles})
		if err := c.nc.Publish(transport.CancelSubject(c.opts.Subject), data); err != nil {
			slog.Warn(fmt.Sprintf("%s - cancel on close: %v", logPrefix, err))
		}
	}
	for _, cs := range open {
		cs.finish()
	}
	c.obsSub.Unsubscribe()
	c.nc.Flush()
	if c.ownsConn {
		c.nc.Close()
	}
}

// DecodeStream makes the client the stream-decoder side of the session
// codec: a handle read out of a reply becomes a live stream fed from the
// observation inbox. Frames that overtook the reply are replayed first.
func (c *Client) DecodeStream(h wire.StreamHandle) (*wire.Stream, error) {
	cs := &clientStream{
		events: make(chan wire.StreamEvent, streamBuffer),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s - client closed", logPrefix)
	}
	if _, dup := c.streams[h]; dup {
		c.mu.Unlock()
		return nil, &wire.CodecError{Message: fmt.Sprintf("stream handle %d already live", h)}
	}
	c.streams[h] = cs
	replay := c.pending[h]
	delete(c.pending, h)
	c.mu.Unlock()

	for _, frame := range replay {
		c.dispatchFrame(h, cs, frame)
	}

	stop := func() {
		if err := c.Cancel(h); err != nil {
			slog.Warn(fmt.Sprintf("%s - cancel handle %d: %v", logPrefix, h, err))
		}
	}
	return &wire.Stream{Events: cs.events, Stop: stop}, nil
}

// handleObservation routes one inbound observation frame by handle.
func (c *Client) handleObservation(msg *nats.Msg) {
	frame, err := wire.UnmarshalObservation(msg.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - bad observation frame: %v", logPrefix, err))
		return
	}

	c.mu.Lock()
	cs, ok := c.streams[frame.Handle]
	if !ok {
		_, finished := c.dead[frame.Handle]
		if !finished && !c.closed && len(c.pending[frame.Handle]) < pendingFrameLimit {
			c.pending[frame.Handle] = append(c.pending[frame.Handle], frame)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.dispatchFrame(frame.Handle, cs, frame)
}

func (c *Client) dispatchFrame(h wire.StreamHandle, cs *clientStream, frame *wire.ObservationFrame) {
	switch frame.Kind {
	case wire.OnNext:
		value, err := c.reg.Decode(frame.Payload)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - decode OnNext for handle %d: %v", logPrefix, h, err))
			c.terminate(h, cs, wire.StreamEvent{Err: err})
			return
		}
		cs.push(wire.StreamEvent{Value: value})
	case wire.OnError:
		c.terminate(h, cs, wire.StreamEvent{Err: frame.Failure})
	case wire.OnCompleted:
		c.terminate(h, cs, wire.StreamEvent{})
	}
}

// terminate delivers an optional terminal error and closes the stream.
func (c *Client) terminate(h wire.StreamHandle, cs *clientStream, last wire.StreamEvent) {
	c.mu.Lock()
	delete(c.streams, h)
	c.forget(h)
	c.mu.Unlock()
	if last.Err != nil {
		cs.finishWith(last)
		return
	}
	cs.finish()
}

// forget drops any buffered frames for a handle and marks it dead. Must be
// called with c.mu held.
func (c *Client) forget(h wire.StreamHandle) {
	delete(c.pending, h)
	c.dead[h] = struct{}{}
}

// clientStream is one live client-side subscription.
type clientStream struct {
	events chan wire.StreamEvent
	mu     sync.Mutex
	done   bool
}

// push delivers one event unless the stream already finished. Delivery is
// non-blocking: a consumer further behind than the buffer loses the event.
func (s *clientStream) push(ev wire.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn(fmt.Sprintf("%s - stream consumer behind, dropping event", logPrefix))
	}
}

func (s *clientStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.events)
}

// finishWith delivers the terminal error event and closes the stream. Unlike
// push, the terminal event is never dropped: when the buffer is full the
// oldest buffered emission makes room for it, so a failed stream can never
// read as a clean completion.
func (s *clientStream) finishWith(ev wire.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
	s.done = true
	close(s.events)
}
