// Package cache short-circuits repeated identical model calls. Lookups are
// keyed by fingerprint; concurrent requesters for the same fingerprint
// share one in-flight computation instead of duplicating the upstream call.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/boardroom-ai/council/internal/metrics"
)

// Store is the persistence backend for cache entries. Implementations must
// be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache pairs a Store with single-flight deduplication.
type Cache struct {
	store  Store
	group  singleflight.Group
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a cache over the given store with a default entry TTL.
func New(store Store, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{store: store, ttl: ttl, logger: logger}
}

// GetOrCompute returns the cached value for key, or runs compute exactly
// once across all concurrent callers with the same key and caches its
// result. The bool reports whether the value came from the cache (either a
// stored entry or another caller's in-flight computation).
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if val, ok, err := c.store.Get(ctx, key); err == nil && ok {
		metrics.CacheHits.Inc()
		return val, true, nil
	} else if err != nil {
		c.logger.Warn("Cache read failed, computing", zap.String("key", key), zap.Error(err))
	}
	metrics.CacheMisses.Inc()

	val, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check: a concurrent flight may have just stored the entry.
		if val, ok, err := c.store.Get(ctx, key); err == nil && ok {
			return val, nil
		}
		out, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, key, out, c.ttl); err != nil {
			c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		}
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		metrics.CacheSharedFlights.Inc()
	}
	return val.([]byte), shared, nil
}
