package marketplace

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/agent-gateway/internal/obslog"
)

// RedisCache is an optional read-through cache for Search results, modeled
// on the teacher's infrastructure/cache wrapper: callers check it first and
// fall back to a live Search on a miss.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *obslog.Logger
}

// NewRedisCache builds a RedisCache. A zero ttl defaults to 30 seconds.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, log *obslog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = obslog.NewDefault("marketplace-cache")
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, log: log}
}

// Get returns a cached search result, if present and still fresh.
func (c *RedisCache) Get(ctx context.Context, key string) ([]ToolListing, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Warn("marketplace cache read failed")
		}
		return nil, false
	}
	var listings []ToolListing
	if err := json.Unmarshal(raw, &listings); err != nil {
		c.log.WithError(err).Warn("marketplace cache decode failed")
		return nil, false
	}
	return listings, true
}

// Set stores a search result under key for ttl, or for the cache's
// configured ttl when ttl is not positive.
func (c *RedisCache) Set(ctx context.Context, key string, value []ToolListing, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).Warn("marketplace cache encode failed")
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		c.log.WithError(err).Warn("marketplace cache write failed")
	}
}

// CachedSearch is a Search wrapper that consults cache first, falling back
// to the live registry and populating the cache on a miss.
func CachedSearch(ctx context.Context, r *Registry, cache CacheReader, cacheKey string, q Query) []ToolListing {
	if cache != nil {
		if cached, ok := cache.Get(ctx, cacheKey); ok {
			return cached
		}
	}
	results := r.Search(q)
	if cache != nil {
		cache.Set(ctx, cacheKey, results, 0)
	}
	return results
}
