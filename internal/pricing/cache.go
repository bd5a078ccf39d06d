/**
 * @description
 * This file defines the exchange-rate cache used by the converter. The cache
 * is process-wide, read-mostly state with an explicit TTL; refresh is
 * idempotent and safe to race (duplicate concurrent refreshes may both fetch,
 * last writer wins), so staleness is bounded by the TTL rather than by a
 * mutex. The cache is injected, not a hidden singleton, so tests can
 * substitute deterministic rates.
 *
 * Two implementations are provided: a Redis-backed cache shared across
 * replicas, and an in-memory cache used when Redis is not configured and in
 * tests. The in-memory cache additionally retains expired entries so the
 * converter can fall back to the last known good rate when the oracle is
 * down; the Redis implementation keeps a long-lived shadow key for the same
 * purpose.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The Redis client library.
 */

package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tripsplit/settlement-service/internal/domain"
)

// ErrRateNotCached is returned by cache lookups that find nothing usable.
var ErrRateNotCached = errors.New("rate not cached")

// RateCache stores exchange rates with a freshness TTL.
type RateCache interface {
	// Get returns the cached rate and whether it is still fresh. A stale
	// rate is returned with fresh=false so callers can use it as a
	// last-known-good fallback; ErrRateNotCached means nothing is stored.
	Get(ctx context.Context, key string) (rate domain.ExchangeRate, fresh bool, err error)
	// Set stores the rate; it is considered fresh for ttl.
	Set(ctx context.Context, key string, rate domain.ExchangeRate, ttl time.Duration) error
}

type memoryEntry struct {
	rate      domain.ExchangeRate
	expiresAt time.Time
}

// MemoryRateCache is a mutex-guarded map cache. Expired entries are kept
// until overwritten so stale reads can serve the oracle-failure path.
type MemoryRateCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryRateCache() *MemoryRateCache {
	return &MemoryRateCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryRateCache) Get(_ context.Context, key string) (domain.ExchangeRate, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return domain.ExchangeRate{}, false, ErrRateNotCached
	}
	return entry.rate, c.now().Before(entry.expiresAt), nil
}

func (c *MemoryRateCache) Set(_ context.Context, key string, rate domain.ExchangeRate, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{rate: rate, expiresAt: c.now().Add(ttl)}
	return nil
}

// lastKnownRetention bounds how long a stale rate may serve as the
// oracle-failure fallback before the hardcoded table takes over.
const lastKnownRetention = 24 * time.Hour

// RedisRateCache shares rates across service replicas. The primary key
// expires at the TTL; a shadow key retains the last known good rate for the
// fallback path.
type RedisRateCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateCache(client redis.UniversalClient, prefix string) *RedisRateCache {
	if prefix == "" {
		prefix = "tripsplit:rates"
	}
	return &RedisRateCache{client: client, prefix: prefix}
}

func (c *RedisRateCache) key(k string) string       { return c.prefix + ":" + k }
func (c *RedisRateCache) shadowKey(k string) string { return c.prefix + ":stale:" + k }

func (c *RedisRateCache) Get(ctx context.Context, key string) (domain.ExchangeRate, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == nil {
		var rate domain.ExchangeRate
		if err := json.Unmarshal(raw, &rate); err != nil {
			return domain.ExchangeRate{}, false, err
		}
		return rate, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return domain.ExchangeRate{}, false, err
	}

	raw, err = c.client.Get(ctx, c.shadowKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ExchangeRate{}, false, ErrRateNotCached
	}
	if err != nil {
		return domain.ExchangeRate{}, false, err
	}
	var rate domain.ExchangeRate
	if err := json.Unmarshal(raw, &rate); err != nil {
		return domain.ExchangeRate{}, false, err
	}
	return rate, false, nil
}

func (c *RedisRateCache) Set(ctx context.Context, key string, rate domain.ExchangeRate, ttl time.Duration) error {
	raw, err := json.Marshal(rate)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return err
	}
	return c.client.Set(ctx, c.shadowKey(key), raw, lastKnownRetention).Err()
}
