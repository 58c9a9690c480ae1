package broker

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"sharedws/internal/protocol"
)

// cache calls must never stall the upstream read loop for long
const cacheOpTimeout = 500 * time.Millisecond

// Forwarder is the upstream side of the router
type Forwarder interface {
	Send(frame []byte) error
}

type pendingKey struct {
	fingerprint string
	createdAt   time.Time
}

// longest ttl a time.Duration can hold, larger values are clamped to it
const maxTTLSeconds = float64(math.MaxInt64 / int64(time.Second))

// ttlDuration converts a ttl in seconds without overflowing
func ttlDuration(seconds float64) time.Duration {
	if seconds >= maxTTLSeconds {
		return time.Duration(maxTTLSeconds) * time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}

// Router multiplexes every port onto the single upstream connection.
// Outbound request ids are stamped "<channel>:<local>" and restored on the way
// back, ttl bearing responses are cached by request fingerprint.
type Router struct {
	registry *Registry
	cache    ResponseCache
	upstream Forwarder
	logger   *slog.Logger

	mu         sync.Mutex
	pending    map[string]pendingKey // composite id -> fingerprint of the request
	maxPending int
	pendingTTL time.Duration
	now        func() time.Time
}

type RouterOptions struct {
	MaxPending int           // cap of the composite id map
	PendingTTL time.Duration // age after which an unanswered composite id is forgotten
}

// constructor for Router
func NewRouter(registry *Registry, cache ResponseCache, upstream Forwarder, opts RouterOptions, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 10000
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 2 * time.Minute
	}
	return &Router{
		registry:   registry,
		cache:      cache,
		upstream:   upstream,
		logger:     logger,
		pending:    make(map[string]pendingKey),
		maxPending: opts.MaxPending,
		pendingTTL: opts.PendingTTL,
		now:        time.Now,
	}
}

// HandleRequest routes one frame posted by a client
func (r *Router) HandleRequest(port *Port, msg protocol.Message) {
	// fire-and-forget frames travel unchanged
	if msg.ID == "" {
		r.forward(msg)
		return
	}

	localID := msg.ID
	fingerprint, err := protocol.Fingerprint(msg)
	if err != nil {
		// still routable, just not cacheable
		r.logger.Warn("fingerprint_failed",
			"channel_id", port.ID(),
			"message_type", msg.Type,
			"error", err.Error(),
		)
		fingerprint = ""
	}

	if fingerprint != "" {
		if cached, ok := r.lookup(fingerprint); ok {
			r.logger.Debug("cache_hit",
				"channel_id", port.ID(),
				"message_type", msg.Type,
				"local_id", localID,
			)
			port.deliver(cached.WithID(localID))
			return
		}
	}

	composite := protocol.CompositeID(port.ID(), localID)
	if fingerprint != "" {
		r.remember(composite, fingerprint)
	}
	r.forward(msg.WithID(composite))
}

// HandleUpstream routes one raw frame read from the upstream connection
func (r *Router) HandleUpstream(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		r.logger.Warn("upstream_frame_malformed",
			"error", err.Error(),
			"size", len(frame),
		)
		return
	}

	// events are nobody's in particular
	if msg.ID == "" {
		r.registry.Broadcast(msg)
		return
	}

	channelID, localID, ok := protocol.SplitCompositeID(msg.ID)
	if !ok {
		r.logger.Warn("upstream_frame_unknown_id", "message_id", msg.ID)
		return
	}

	fingerprint, known := r.take(msg.ID)
	if known && msg.Cacheable() {
		r.store(fingerprint, msg.WithID(""), ttlDuration(*msg.TTL))
	}

	port, ok := r.registry.Get(channelID)
	if !ok {
		// the requester is gone, nothing to do
		r.logger.Debug("response_dropped",
			"channel_id", channelID,
			"local_id", localID,
		)
		return
	}
	port.deliver(msg.WithID(localID))
}

// Forget drops the bookkeeping of a channel that no longer exists
func (r *Router) Forget(channelID string) {
	prefix := protocol.CompositeID(channelID, "")

	r.mu.Lock()
	defer r.mu.Unlock()
	for composite := range r.pending {
		if strings.HasPrefix(composite, prefix) {
			delete(r.pending, composite)
		}
	}
}

// PruneExpired forgets composite ids whose response never came
func (r *Router) PruneExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked()
}

// PendingLen returns the number of composite ids awaiting a response
func (r *Router) PendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) forward(msg protocol.Message) {
	frame, err := msg.Encode()
	if err != nil {
		r.logger.Error("request_encode_failed",
			"message_type", msg.Type,
			"error", err.Error(),
		)
		return
	}
	if err := r.upstream.Send(frame); err != nil {
		r.logger.Error("upstream_send_failed",
			"message_type", msg.Type,
			"message_id", msg.ID,
			"error", err.Error(),
		)
	}
}

func (r *Router) lookup(fingerprint string) (protocol.Message, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()

	msg, ok, err := r.cache.Get(ctx, fingerprint)
	if err != nil {
		r.logger.Warn("cache_get_failed",
			"backend", r.cache.Name(),
			"error", err.Error(),
		)
		return protocol.Message{}, false
	}
	return msg, ok
}

func (r *Router) store(fingerprint string, msg protocol.Message, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()

	if err := r.cache.Set(ctx, fingerprint, msg, ttl); err != nil {
		r.logger.Warn("cache_set_failed",
			"backend", r.cache.Name(),
			"error", err.Error(),
		)
	}
}

func (r *Router) remember(composite, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= r.maxPending {
		r.pruneLocked()
	}
	if len(r.pending) >= r.maxPending {
		r.evictOldestLocked()
	}
	r.pending[composite] = pendingKey{fingerprint: fingerprint, createdAt: r.now()}
}

// take removes the mapping for composite, expired mappings count as unknown
func (r *Router) take(composite string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[composite]
	if !ok {
		return "", false
	}
	delete(r.pending, composite)
	if r.now().Sub(entry.createdAt) > r.pendingTTL {
		return "", false
	}
	return entry.fingerprint, true
}

func (r *Router) pruneLocked() int {
	now := r.now()
	removed := 0
	for composite, entry := range r.pending {
		if now.Sub(entry.createdAt) > r.pendingTTL {
			delete(r.pending, composite)
			removed++
		}
	}
	return removed
}

func (r *Router) evictOldestLocked() {
	var (
		oldest   string
		oldestAt time.Time
	)
	for composite, entry := range r.pending {
		if oldest == "" || entry.createdAt.Before(oldestAt) {
			oldest, oldestAt = composite, entry.createdAt
		}
	}
	if oldest != "" {
		delete(r.pending, oldest)
		r.logger.Warn("pending_id_evicted",
			"message_id", oldest,
			"max_pending", r.maxPending,
		)
	}
}
