package broker

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"sharedws/internal/protocol"
)

// Sink receives the frames the broker delivers to one client context
type Sink interface {
	Deliver(msg protocol.Message) error
}

// SinkFunc adapts a plain function to Sink
type SinkFunc func(msg protocol.Message) error

func (f SinkFunc) Deliver(msg protocol.Message) error {
	return f(msg)
}

var errRateLimited = errors.New("rate limit exceeded")

// Port is the broker's handle to one attached client context.
// The registry only keeps a weak pointer to it, whoever attached the client
// (an in-process link or a websocket session) owns the strong reference.
type Port struct {
	id      string        // monotonic per broker lifetime, never contains ':'
	sink    Sink          // where delivered frames go
	router  *Router       // where posted frames go
	limiter *rate.Limiter // inbound frames per second from this client
	closed  atomic.Bool   // set when the client side transport reported a close
	logger  *slog.Logger
}

// ID returns the channel id stamped into composite ids
func (p *Port) ID() string {
	return p.id
}

// Alive reports whether the client side of the port still exists
func (p *Port) Alive() bool {
	return !p.closed.Load()
}

// Post hands one client frame to the broker. It only fails synchronously when
// the port is already dead, every other failure comes back as a response frame.
func (p *Port) Post(msg protocol.Message) error {
	if !p.Alive() {
		return protocol.ErrClosed
	}

	// the limiter auto depletes tokens when Allow is called and refills over time
	if p.limiter != nil && !p.limiter.Allow() {
		p.logger.Warn("rate_limit_exceeded",
			"channel_id", p.id,
			"message_type", msg.Type,
		)
		if msg.ID != "" {
			p.deliver(protocol.NewErrorResponse(msg.ID, errRateLimited.Error()))
		}
		return nil
	}

	p.router.HandleRequest(p, msg)
	return nil
}

// deliver pushes a frame to the client, failures are logged and dropped
func (p *Port) deliver(msg protocol.Message) {
	if !p.Alive() {
		return
	}
	if err := p.sink.Deliver(msg); err != nil {
		p.logger.Warn("delivery_failed",
			"channel_id", p.id,
			"message_type", msg.Type,
			"message_id", msg.ID,
			"error", err.Error(),
		)
	}
}

// markClosed records an OS level close of the client connection
func (p *Port) markClosed() {
	if p.closed.CompareAndSwap(false, true) {
		p.logger.Info("port_closed", "channel_id", p.id)
	}
}
