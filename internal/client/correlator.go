package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sharedws/internal/protocol"
)

const (
	DefaultTimeout = 5 * time.Second
	eventQueueSize = 256 // events waiting for listeners before new ones are dropped
)

// Link carries frames from one client context to the broker.
// Frames travelling the other way are handed to Correlator.Dispatch.
type Link interface {
	Post(msg protocol.Message) error
}

// Listener receives unsolicited messages of one type. Listeners run on the
// correlator's event goroutine, never on the link reader, so they may call Send.
type Listener func(msg protocol.Message)

// Subscription identifies one registered listener for RemoveEventListener
type Subscription struct {
	fn Listener
}

// Call is one in-flight request. Done receives the call exactly once, after
// which either Data or Err is set.
type Call struct {
	ID   string
	Type string
	Data json.RawMessage
	Err  error
	Done chan *Call
}

// event is one message together with the listeners it was dispatched to
type event struct {
	msg  protocol.Message
	subs []*Subscription
}

type pendingRequest struct {
	call  *Call
	timer *time.Timer
}

// Correlator matches responses to requests for one client context and fans
// events out to listeners by type.
type Correlator struct {
	id      string // names this client context in logs
	link    Link
	timeout time.Duration
	logger  *slog.Logger

	nextID atomic.Uint64 // local ids, starting at 0

	mu      sync.Mutex
	pending map[string]*pendingRequest // key: local id
	closed  bool

	listenersMu sync.RWMutex
	listeners   map[string]map[*Subscription]struct{}

	events chan event    // drained by eventLoop
	done   chan struct{} // closed by Close
}

type Option func(*Correlator)

// WithTimeout sets the default request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a correlator on top of an existing link. The link must hand
// every inbound frame to Dispatch.
func New(link Link, opts ...Option) *Correlator {
	c := &Correlator{
		id:        uuid.NewString(),
		link:      link,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
		pending:   make(map[string]*pendingRequest),
		listeners: make(map[string]map[*Subscription]struct{}),
		events:    make(chan event, eventQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("context_id", c.id)

	go c.eventLoop()
	return c
}

// ID returns the client context id used in logs
func (c *Correlator) ID() string {
	return c.id
}

// Go starts a request and returns at once. timeout <= 0 uses the default.
func (c *Correlator) Go(msgType string, data any, timeout time.Duration) *Call {
	call := &Call{Type: msgType, Done: make(chan *Call, 1)}
	if timeout <= 0 {
		timeout = c.timeout
	}

	msg := protocol.Message{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			call.Err = fmt.Errorf("failed to marshal %s data: %w", msgType, err)
			call.Done <- call
			return call
		}
		msg.Data = raw
	}

	id := strconv.FormatUint(c.nextID.Add(1)-1, 10)
	call.ID = id
	msg.ID = id

	req := &pendingRequest{call: call}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.Err = protocol.ErrClosed
		call.Done <- call
		return call
	}
	c.pending[id] = req
	req.timer = time.AfterFunc(timeout, func() {
		c.settle(id, nil, protocol.NewTimeoutError())
	})
	c.mu.Unlock()

	// never post while holding the lock, an in-process broker may answer synchronously
	if err := c.link.Post(msg); err != nil {
		c.settle(id, nil, fmt.Errorf("failed to send %s: %w", msgType, err))
	}
	return call
}

// Send issues a request and waits for its outcome: the response data, a
// *protocol.ProtocolError, a *protocol.TimeoutError or a transmit error.
// Cancelling ctx stops the wait and forgets the request locally.
func (c *Correlator) Send(ctx context.Context, msgType string, data any, timeout time.Duration) (json.RawMessage, error) {
	call := c.Go(msgType, data, timeout)

	select {
	case <-call.Done:
		return call.Data, call.Err
	case <-ctx.Done():
		if c.settle(call.ID, nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		// settled concurrently, the outcome is already there
		<-call.Done
		return call.Data, call.Err
	}
}

// Request is Send with the response data decoded into T
func Request[T any](ctx context.Context, c *Correlator, msgType string, data any) (T, error) {
	var out T
	raw, err := c.Send(ctx, msgType, data, 0)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s response: %w", msgType, err)
	}
	return out, nil
}

// AddEventListener subscribes fn to messages of eventType
func (c *Correlator) AddEventListener(eventType string, fn Listener) *Subscription {
	sub := &Subscription{fn: fn}

	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	set, ok := c.listeners[eventType]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.listeners[eventType] = set
	}
	set[sub] = struct{}{}
	return sub
}

// RemoveEventListener drops a subscription, unknown ones are ignored
func (c *Correlator) RemoveEventListener(eventType string, sub *Subscription) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	set, ok := c.listeners[eventType]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(c.listeners, eventType)
	}
}

// Dispatch handles one inbound frame: a response settles its request on the
// calling goroutine, an event is queued for the listeners of its type, anything
// else is logged and dropped.
func (c *Correlator) Dispatch(msg protocol.Message) {
	if msg.ID != "" && c.resolve(msg) {
		return
	}
	if msg.Type != "" && c.notify(msg) {
		return
	}

	if msg.ID != "" {
		c.logger.Warn("unmatched_response",
			"message_id", msg.ID,
			"status", string(msg.Status),
		)
		return
	}
	c.logger.Warn("unhandled_message", "message_type", msg.Type)
}

// Pending returns the number of requests still waiting
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every waiting request and releases the link. It is the client
// context tearing itself down; the broker is never told.
func (c *Correlator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.settle(id, nil, protocol.ErrClosed)
	}

	c.listenersMu.Lock()
	c.listeners = make(map[string]map[*Subscription]struct{})
	c.listenersMu.Unlock()
	close(c.done)

	if closer, ok := c.link.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Correlator) resolve(msg protocol.Message) bool {
	switch msg.Status {
	case protocol.StatusOK:
		return c.settle(msg.ID, msg.Data, nil)
	case protocol.StatusError:
		return c.settle(msg.ID, nil, &protocol.ProtocolError{Message: msg.Error, Data: msg.Data})
	default:
		return c.settle(msg.ID, nil, &protocol.ProtocolError{
			Message: fmt.Sprintf("unexpected response status %q", msg.Status),
			Data:    msg.Data,
		})
	}
}

// settle completes a pending request once; false when it was already gone
func (c *Correlator) settle(id string, data json.RawMessage, err error) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	req.timer.Stop()
	req.call.Data = data
	req.call.Err = err
	req.call.Done <- req.call
	return true
}

func (c *Correlator) notify(msg protocol.Message) bool {
	c.listenersMu.RLock()
	set := c.listeners[msg.Type]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	c.listenersMu.RUnlock()

	if len(subs) == 0 {
		return false
	}

	select {
	case c.events <- event{msg: msg, subs: subs}:
	default:
		c.logger.Warn("event_queue_full",
			"message_type", msg.Type,
			"queued", len(c.events),
		)
	}
	return true
}

// eventLoop runs listeners in arrival order until Close
func (c *Correlator) eventLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			for _, sub := range ev.subs {
				c.invoke(sub, ev.msg)
			}
		}
	}
}

// one faulty listener must not break delivery to the others
func (c *Correlator) invoke(sub *Subscription, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener_panic",
				"message_type", msg.Type,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	sub.fn(msg)
}
