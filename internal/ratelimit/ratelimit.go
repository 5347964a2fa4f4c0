// Package ratelimit gates model calls per user with token buckets. Refill
// is computed lazily from elapsed time by x/time/rate, so no background
// ticker is needed; buckets are created on first use and guarded by a
// read-mostly lock so parallel stage calls for one user contend only on
// that user's bucket.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/boardroom-ai/council/internal/metrics"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Config controls per-user buckets.
type Config struct {
	Capacity    int           // Bucket capacity (burst)
	RefillRate  float64       // Tokens added per second
	WaitTimeout time.Duration // Max wait in blocking mode; 0 means wait until ctx expires
	FailFast    bool          // Reject instead of waiting when the bucket is empty
}

// DefaultConfig returns a small per-user allowance suitable for a handful
// of concurrent deliberations.
func DefaultConfig() Config {
	return Config{
		Capacity:   10,
		RefillRate: 1,
	}
}

// Limiter is a registry of per-user token buckets.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	config  Config
	logger  *zap.Logger
}

// NewLimiter creates a limiter registry with the given bucket shape.
func NewLimiter(config Config, logger *zap.Logger) *Limiter {
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.RefillRate <= 0 {
		config.RefillRate = DefaultConfig().RefillRate
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		config:  config,
		logger:  logger,
	}
}

func (l *Limiter) bucket(userID string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[userID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[userID]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(l.config.RefillRate), l.config.Capacity)
	l.buckets[userID] = b
	return b
}

// Acquire takes cost tokens from the user's bucket. In blocking mode it
// waits until tokens are available, the configured wait timeout elapses, or
// ctx is cancelled. In fail-fast mode it returns ErrRateLimited
// immediately when the bucket cannot cover the cost.
func (l *Limiter) Acquire(ctx context.Context, userID string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	if cost > l.config.Capacity {
		return ErrRateLimited
	}
	if l.config.FailFast {
		if !l.TryAcquire(userID, cost) {
			metrics.RateLimitRejections.WithLabelValues(userID).Inc()
			return ErrRateLimited
		}
		return nil
	}
	b := l.bucket(userID)

	waitCtx := ctx
	if l.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.config.WaitTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := b.WaitN(waitCtx, cost); err != nil {
		metrics.RateLimitRejections.WithLabelValues(userID).Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		metrics.RateLimitWaitSeconds.Observe(waited.Seconds())
		l.logger.Debug("Rate limiter delayed call",
			zap.String("user_id", userID),
			zap.Int("cost", cost),
			zap.Duration("waited", waited),
		)
	}
	return nil
}

// TryAcquire is the non-blocking form regardless of the configured mode.
func (l *Limiter) TryAcquire(userID string, cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	if cost > l.config.Capacity {
		return false
	}
	return l.bucket(userID).AllowN(time.Now(), cost)
}
