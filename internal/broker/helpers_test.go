package broker

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharedws/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// recordingSink keeps every frame delivered to a port
type recordingSink struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *recordingSink) Deliver(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// fakeUpstream records every frame the router forwards
type fakeUpstream struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeUpstream) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeUpstream) Messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.frames))
	for _, frame := range f.frames {
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// recordingBroadcaster stands in for the registry in transport tests
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (b *recordingBroadcaster) Broadcast(msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *recordingBroadcaster) Count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msg := range b.msgs {
		if msg.Type == eventType {
			n++
		}
	}
	return n
}

// fakeClock is advanced by hand
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type routerFixture struct {
	router   *Router
	registry *Registry
	upstream *fakeUpstream
	cache    *MemoryCache
	clock    *fakeClock
}

func newRouterFixture(opts RouterOptions) *routerFixture {
	clock := newFakeClock()
	cache := NewMemoryCache()
	cache.now = clock.Now

	registry := NewRegistry(discardLogger())
	upstream := &fakeUpstream{}
	router := NewRouter(registry, cache, upstream, opts, discardLogger())
	router.now = clock.Now
	registry.OnReclaim(router.Forget)

	return &routerFixture{
		router:   router,
		registry: registry,
		upstream: upstream,
		cache:    cache,
		clock:    clock,
	}
}

// attach registers a port with a fixed id, the caller keeps it reachable
func (f *routerFixture) attach(id string) (*Port, *recordingSink) {
	sink := &recordingSink{}
	port := &Port{
		id:     id,
		sink:   sink,
		router: f.router,
		logger: discardLogger(),
	}
	f.registry.Add(port)
	return port, sink
}
