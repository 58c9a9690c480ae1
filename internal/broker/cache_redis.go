package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sharedws/internal/protocol"
)

const redisKeyPrefix = "sharedws:cache:"

// RedisCache shares cached responses between broker processes.
// Redis expires keys on its own, the stored expiry is still checked on read
// so a clock skewed replica never serves a stale entry.
type RedisCache struct {
	client *redis.Client
	now    func() time.Time
}

// constructor for RedisCache, verifies the connection like the other redis repos
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: rdb, now: time.Now}, nil
}

func (c *RedisCache) Name() string { return "redis" }

// fingerprints can be long, keys stay fixed size
func redisKey(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Get(ctx context.Context, key string) (protocol.Message, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return protocol.Message{}, false, nil
	}
	if err != nil {
		return protocol.Message{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return protocol.Message{}, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	if c.now().After(entry.ExpiresAt) {
		c.client.Del(ctx, redisKey(key))
		return protocol.Message{}, false, nil
	}
	return entry.Data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, msg protocol.Message, ttl time.Duration) error {
	payload, err := json.Marshal(cacheEntry{
		Data:      msg,
		ExpiresAt: c.now().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
