package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sharedws/internal/protocol"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	upstreamWriteWait     = 10 * time.Second // max time to write one frame upstream
	upstreamDialTimeout   = 10 * time.Second
)

// Broadcaster fans a broker generated event out to every client
type Broadcaster interface {
	Broadcast(msg protocol.Message)
}

type TransportOptions struct {
	URL            string
	Header         http.Header // sent on every dial, e.g. Authorization
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Transport owns the one upstream websocket.
// Frames sent while disconnected wait in a FIFO queue and are flushed once the
// next connection opens. Reconnection is unconditional at a fixed delay.
type Transport struct {
	opts    TransportOptions
	clients Broadcaster
	receive func(frame []byte)
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool     // conn is usable for writes
	wasClosed bool     // a previous connection was lost
	queue     [][]byte // frames waiting for the next open connection
	stopped   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// constructor for Transport, receive gets every upstream frame in arrival order
func NewTransport(opts TransportOptions, clients Broadcaster, receive func(frame []byte), logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: upstreamDialTimeout,
		}
	}
	return &Transport{
		opts:    opts,
		clients: clients,
		receive: receive,
		logger:  logger,
	}
}

// Start launches the connect/reconnect loop, it returns immediately
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(ctx)
}

// Send writes frame upstream when connected, otherwise queues it
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return protocol.ErrClosed
	}

	if t.open {
		err := t.writeLocked(frame)
		if err == nil {
			return nil
		}
		// the read loop notices the dead socket and reconnects
		t.logger.Error("upstream_write_failed", "error", err.Error())
		t.open = false
		t.conn.Close()
	}

	t.queue = append(t.queue, frame)
	t.logger.Warn("upstream_closed_frame_queued", "queued", len(t.queue))
	return nil
}

// Connected reports whether frames currently go straight out
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Queued returns the number of frames waiting for a connection
func (t *Transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Close stops reconnecting and closes the socket without notifying clients
func (t *Transport) Close() {
	t.mu.Lock()
	t.stopped = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)

	for {
		err := t.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		t.handleClose(err)

		timer := time.NewTimer(t.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials, flushes and then reads until the connection drops
func (t *Transport) connect(ctx context.Context) error {
	conn, _, err := t.opts.Dialer.DialContext(ctx, t.opts.URL, t.opts.Header)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("upstream_dial_failed",
				"url", t.opts.URL,
				"error", err.Error(),
			)
		}
		return err
	}

	// ReadMessage has no context, closing the socket unblocks it on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	t.handleOpen(conn)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.detach(conn)
			conn.Close()
			return err
		}
		t.receive(frame)
	}
}

func (t *Transport) handleOpen(conn *websocket.Conn) {
	t.mu.Lock()
	reconnected := t.wasClosed
	t.wasClosed = false
	t.mu.Unlock()

	t.logger.Info("upstream_connected",
		"url", t.opts.URL,
		"reconnected", reconnected,
	)

	// broadcast outside the lock, listeners may send right away and those
	// frames simply join the queue behind the older ones
	if reconnected {
		t.clients.Broadcast(protocol.Message{Type: protocol.EventReconnect})
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn = conn
	flushed := 0
	for len(t.queue) > 0 {
		if err := t.writeLocked(t.queue[0]); err != nil {
			t.logger.Error("upstream_flush_failed",
				"flushed", flushed,
				"remaining", len(t.queue),
				"error", err.Error(),
			)
			conn.Close()
			return
		}
		t.queue[0] = nil
		t.queue = t.queue[1:]
		flushed++
	}
	t.queue = nil
	t.open = true

	if flushed > 0 {
		t.logger.Info("upstream_queue_flushed", "frames", flushed)
	}
}

func (t *Transport) handleClose(err error) {
	t.mu.Lock()
	t.wasClosed = true
	t.mu.Unlock()

	attrs := []any{"retry_in", t.opts.ReconnectDelay.String()}
	if err != nil && !errors.Is(err, context.Canceled) {
		attrs = append(attrs, "error", err.Error())
	}
	t.logger.Warn("upstream_connection_lost", attrs...)

	toast, _ := protocol.NewEvent(protocol.EventToast, protocol.Toast{
		Type:    "error",
		Summary: "Connection lost",
		Details: "Trying to reconnect...",
		Life:    int(t.opts.ReconnectDelay / time.Millisecond),
	})
	t.clients.Broadcast(toast)
}

func (t *Transport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		t.open = false
	}
}

func (t *Transport) writeLocked(frame []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}
