package broker

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sharedws/internal/config"
	"sharedws/internal/protocol"
)

const defaultCleanupInterval = time.Minute

type Options struct {
	UpstreamURL    string
	UpstreamHeader http.Header
	ReconnectDelay time.Duration
	PendingMax     int
	PendingTTL     time.Duration
	RateLimit      rate.Limit // per port, 0 disables limiting
	RateBurst      int
	Cache          ResponseCache // defaults to a MemoryCache
	Logger         *slog.Logger
}

// OptionsFromConfig maps the process config onto broker options
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		UpstreamURL:    cfg.UpstreamURL,
		ReconnectDelay: cfg.ReconnectDelay,
		PendingMax:     cfg.PendingMax,
		PendingTTL:     cfg.PendingTTL,
		RateLimit:      rate.Limit(cfg.ClientRateLimit),
		RateBurst:      cfg.ClientRateBurst,
	}
	if cfg.UpstreamToken != "" {
		opts.UpstreamHeader = http.Header{}
		opts.UpstreamHeader.Set("Authorization", "Bearer "+cfg.UpstreamToken)
	}
	return opts
}

// Broker is the one process wide service shared by every client context.
// It owns the upstream transport, the port registry and the router; clients
// only reach that state through Port.Post and their Sink.
type Broker struct {
	id        string
	opts      Options
	registry  *Registry
	router    *Router
	transport *Transport
	cache     ResponseCache
	logger    *slog.Logger

	nextPort atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// constructor for Broker, nothing touches the network until Start
func New(opts Options) *Broker {
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("broker_id", id)

	b := &Broker{
		id:     id,
		opts:   opts,
		cache:  opts.Cache,
		logger: logger,
		stop:   make(chan struct{}),
	}

	b.registry = NewRegistry(logger)
	b.transport = NewTransport(TransportOptions{
		URL:            opts.UpstreamURL,
		Header:         opts.UpstreamHeader,
		ReconnectDelay: opts.ReconnectDelay,
	}, b.registry, b.handleUpstream, logger)
	b.router = NewRouter(b.registry, b.cache, b.transport, RouterOptions{
		MaxPending: opts.PendingMax,
		PendingTTL: opts.PendingTTL,
	}, logger)
	b.registry.OnReclaim(b.router.Forget)

	return b
}

func (b *Broker) handleUpstream(frame []byte) {
	b.router.HandleUpstream(frame)
}

// ID identifies this broker process in logs
func (b *Broker) ID() string {
	return b.id
}

// Start opens the upstream connection and the periodic cleanup
func (b *Broker) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.logger.Info("broker_starting", "upstream_url", b.opts.UpstreamURL, "cache", b.cache.Name())
		b.transport.Start(ctx)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.cleanupRoutine(ctx, defaultCleanupInterval)
		}()
	})
}

// Attach registers a new client context and returns its port.
// There is no detach: the port leaves the registry once nothing references it.
func (b *Broker) Attach(sink Sink) *Port {
	id := strconv.FormatUint(b.nextPort.Add(1)-1, 10)

	port := &Port{
		id:     id,
		sink:   sink,
		router: b.router,
		logger: b.logger,
	}
	if b.opts.RateLimit > 0 {
		burst := b.opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		port.limiter = rate.NewLimiter(b.opts.RateLimit, burst)
	}

	b.registry.Add(port)
	return port
}

// Broadcast sends a broker generated event to every client
func (b *Broker) Broadcast(eventType string, payload any) error {
	msg, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.registry.Broadcast(msg)
	return nil
}

type Stats struct {
	BrokerID    string `json:"broker_id"`
	Ports       int    `json:"ports"`
	Connected   bool   `json:"upstream_connected"`
	Queued      int    `json:"upstream_queued"`
	PendingIDs  int    `json:"pending_ids"`
	CacheEngine string `json:"cache_backend"`
}

// Stats is a point in time snapshot for health checks
func (b *Broker) Stats() Stats {
	return Stats{
		BrokerID:    b.id,
		Ports:       b.registry.Len(),
		Connected:   b.transport.Connected(),
		Queued:      b.transport.Queued(),
		PendingIDs:  b.router.PendingLen(),
		CacheEngine: b.cache.Name(),
	}
}

// Close stops the upstream transport and the cleanup routine
func (b *Broker) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.transport.Close()
		b.wg.Wait()
		b.logger.Info("broker_stopped")
	})
}

// cleanupRoutine periodically drops expired cache entries and composite ids
func (b *Broker) cleanupRoutine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired := b.router.PruneExpired()
			pruned := 0
			if mc, ok := b.cache.(*MemoryCache); ok {
				pruned = mc.Prune()
			}
			if expired > 0 || pruned > 0 {
				b.logger.Debug("cleanup_done",
					"pending_ids_expired", expired,
					"cache_entries_pruned", pruned,
				)
			}
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		}
	}
}
