// Package retry wraps one logical model call with bounded retries and
// exponential backoff. It retries only transient outcomes; circuit-open and
// permanent failures end the attempt sequence, and request cancellation
// aborts it immediately, including mid-backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/boardroom-ai/council/internal/circuitbreaker"
	"github.com/boardroom-ai/council/internal/gateway"
)

// Policy controls the attempt sequence for one call.
type Policy struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Backoff before the second attempt
	MaxDelay    time.Duration // Cap for the growing backoff
	Jitter      bool          // Randomize each delay in [0, delay)
}

// DefaultPolicy returns the policy used for model calls unless overridden
// by configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// Attempt describes one attempt for observability. OnAttempt callbacks must
// not block; they run on the calling goroutine.
type Attempt struct {
	Number  int
	Start   time.Time
	Latency time.Duration
	Err     error
}

// Do runs fn up to p.MaxAttempts times. Each attempt's outcome is reported
// through onAttempt when non-nil. The error returned is the last attempt's.
func Do(ctx context.Context, p Policy, logger *zap.Logger, onAttempt func(Attempt), fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		start := time.Now()
		err = fn(ctx, attempt)
		if onAttempt != nil {
			onAttempt(Attempt{Number: attempt, Start: start, Latency: time.Since(start), Err: err})
		}
		if err == nil {
			return nil
		}

		// Request-scope cancellation or expiry ends the sequence no matter
		// what the attempt returned.
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrProbeInFlight) {
			return err
		}
		if !gateway.IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := backoff(p, attempt)
		if logger != nil {
			logger.Debug("Retrying model call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// backoff computes the delay after the given attempt number (1-based).
func backoff(p Policy, attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter && d > 0 {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}
