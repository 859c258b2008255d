// Package cache is a Redis-backed read-through cache for API-key record
// lookups, keyed by key hash; canonical-tenant resolution is not cached
// here. It is purely a performance layer: every value
// is re-derivable from the store on a miss, and nothing here is treated as
// a source of truth (rate-limiter windows and the dream-budget cache stay
// strictly in-process — see internal/ratelimit and internal/dream).
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Cache wraps a redis.Client with typed Get/Set helpers. A nil *Cache is
// valid and behaves as an always-miss cache, so callers can run without
// Redis configured.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New parses redisURL and returns a Cache. Ping is not performed here;
// callers should Ping separately at startup to decide whether to log a
// warning on failure rather than fail startup.
func New(redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Cache{client: redis.NewClient(opt), ttl: defaultTTL}, nil
}

// Ping verifies connectivity with a short deadline.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return redis.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// GetJSON looks up key and decodes it into dst. Returns false on miss or
// when the cache is unavailable.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	if c == nil || c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// SetJSON writes value at key with the cache's default TTL. Errors are
// swallowed: cache writes are best-effort and must never fail a request.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, key).Err()
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
