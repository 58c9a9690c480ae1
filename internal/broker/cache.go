package broker

import (
	"bytes"
	"context"
	"sync"
	"time"

	"sharedws/internal/protocol"
)

// ResponseCache stores ttl bearing responses keyed by request fingerprint
type ResponseCache interface {
	Get(ctx context.Context, key string) (protocol.Message, bool, error)
	Set(ctx context.Context, key string, msg protocol.Message, ttl time.Duration) error
	Name() string
}

type cacheEntry struct {
	Data      protocol.Message `json:"data"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// MemoryCache is the default, process local cache.
// Expired entries are evicted lazily on lookup and by Prune.
type MemoryCache struct {
	mu    sync.Mutex
	store map[string]cacheEntry
	now   func() time.Time
}

// constructor for MemoryCache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		store: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

func (c *MemoryCache) Name() string { return "memory" }

func (c *MemoryCache) Get(_ context.Context, key string) (protocol.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.store[key]
	if !ok {
		return protocol.Message{}, false, nil
	}
	if c.now().After(entry.ExpiresAt) {
		delete(c.store, key)
		return protocol.Message{}, false, nil
	}
	// callers own the returned payload
	msg := entry.Data
	msg.Data = bytes.Clone(entry.Data.Data)
	return msg, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, msg protocol.Message, ttl time.Duration) error {
	msg.Data = bytes.Clone(msg.Data)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.store[key] = cacheEntry{
		Data:      msg,
		ExpiresAt: c.now().Add(ttl),
	}
	return nil
}

// Prune drops every expired entry and returns how many went
func (c *MemoryCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.store {
		if now.After(entry.ExpiresAt) {
			delete(c.store, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}
