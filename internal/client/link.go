package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sharedws/internal/broker"
	"sharedws/internal/protocol"
)

const (
	inboxSize = 256
	writeWait = 10 * time.Second
)

var errInboxFull = errors.New("client inbox full")

// inProcessLink attaches a client context to a broker living in the same
// process. Inbound frames are queued and dispatched on the link's own
// goroutine, so a slow listener never stalls the broker.
type inProcessLink struct {
	port  atomic.Pointer[broker.Port]
	inbox chan protocol.Message
	done  chan struct{}
	once  sync.Once
}

// NewInProcess attaches a new client context to b
func NewInProcess(b *broker.Broker, opts ...Option) *Correlator {
	l := &inProcessLink{
		inbox: make(chan protocol.Message, inboxSize),
		done:  make(chan struct{}),
	}
	c := New(l, opts...)
	l.port.Store(b.Attach(broker.SinkFunc(l.deliver)))

	go l.loop(c.Dispatch)
	return c
}

func (l *inProcessLink) Post(msg protocol.Message) error {
	port := l.port.Load()
	if port == nil {
		return protocol.ErrClosed
	}
	return port.Post(msg)
}

// deliver is the broker side sink
func (l *inProcessLink) deliver(msg protocol.Message) error {
	select {
	case <-l.done:
		return protocol.ErrClosed
	default:
	}

	select {
	case l.inbox <- msg:
		return nil
	default:
		return errInboxFull
	}
}

func (l *inProcessLink) loop(dispatch func(protocol.Message)) {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.inbox:
			dispatch(msg)
		}
	}
}

// Close drops the only strong reference to the port
func (l *inProcessLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.port.Store(nil)
	})
	return nil
}

// wsLink attaches a client context to a broker over its /ws endpoint
type wsLink struct {
	conn   *websocket.Conn
	mu     sync.Mutex // gorilla allows one concurrent writer
	closed atomic.Bool
	done   chan struct{}
}

// Dial connects a new client context to the broker websocket at url
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Correlator, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	l := &wsLink{conn: conn, done: make(chan struct{})}
	c := New(l, opts...)

	go l.readLoop(c)
	return c, nil
}

func (l *wsLink) Post(msg protocol.Message) error {
	if l.closed.Load() {
		return protocol.ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(msg)
}

func (l *wsLink) readLoop(c *Correlator) {
	defer close(l.done)

	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			// a local Close already owns the socket teardown
			if !l.closed.Swap(true) {
				c.logger.Warn("broker_connection_lost", "error", err.Error())
				l.conn.Close()
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("invalid_json_received", "error", err.Error())
			continue
		}
		c.Dispatch(msg)
	}
}

func (l *wsLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.mu.Lock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	l.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.mu.Unlock()

	err := l.conn.Close()
	<-l.done
	return err
}
