package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/boardroom-ai/council/internal/circuitbreaker"
	"github.com/boardroom-ai/council/internal/gateway"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	logger := zaptest.NewLogger(t)
	calls := 0
	err := Do(context.Background(), fastPolicy(), logger, nil, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return gateway.NewError("m", "complete", gateway.ClassTransient, errors.New("503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	logger := zaptest.NewLogger(t)
	calls := 0
	permErr := gateway.NewError("m", "complete", gateway.ClassPermanent, errors.New("400"))
	err := Do(context.Background(), fastPolicy(), logger, nil, func(ctx context.Context, attempt int) error {
		calls++
		return permErr
	})
	if !errors.Is(err, permErr) {
		t.Fatalf("Expected permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt for permanent error, got %d", calls)
	}
}

func TestRetryStopsOnCircuitOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	calls := 0
	err := Do(context.Background(), fastPolicy(), logger, nil, func(ctx context.Context, attempt int) error {
		calls++
		return circuitbreaker.ErrCircuitBreakerOpen
	})
	if !errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		t.Fatalf("Expected circuit open error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected circuit-open to be terminal, got %d attempts", calls)
	}
}

func TestRetryAbortsOnCancellation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}

	start := time.Now()
	err := Do(ctx, p, logger, nil, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return gateway.NewError("m", "complete", gateway.ClassTransient, errors.New("timeout"))
	})
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("Expected no further attempts after cancel, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected immediate abort, took %v", elapsed)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	var attempts []Attempt
	err := Do(context.Background(), fastPolicy(), logger, func(a Attempt) {
		attempts = append(attempts, a)
	}, func(ctx context.Context, attempt int) error {
		return gateway.NewError("m", "stream", gateway.ClassRateLimited, errors.New("429"))
	})
	if err == nil {
		t.Fatal("Expected error after exhausted retries")
	}
	if len(attempts) != 3 {
		t.Errorf("Expected 3 recorded attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("Attempt %d has number %d", i, a.Number)
		}
		if a.Err == nil {
			t.Errorf("Attempt %d missing error", i)
		}
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}
	if d := backoff(p, 1); d != 10*time.Millisecond {
		t.Errorf("attempt 1: expected 10ms, got %v", d)
	}
	if d := backoff(p, 2); d != 20*time.Millisecond {
		t.Errorf("attempt 2: expected 20ms, got %v", d)
	}
	if d := backoff(p, 3); d != 35*time.Millisecond {
		t.Errorf("attempt 3: expected cap 35ms, got %v", d)
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Jitter: true}
	for i := 0; i < 100; i++ {
		if d := backoff(p, 2); d < 0 || d > 20*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", d)
		}
	}
}
