package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 1
	cfg.Cooldown = 50 * time.Millisecond
	cfg.MaxCooldown = 400 * time.Millisecond
	cfg.Interval = 10 * time.Second
	return cfg
}

func TestCircuitBreakerStates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cb := NewCircuitBreaker("gpt-test", testConfig(), logger)
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", cb.State())
	}

	// Failure threshold trips the breaker.
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errors.New("upstream down") }); err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", cb.State())
	}

	// Open breaker fails fast without invoking fn.
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
	if called {
		t.Error("Expected fn not to be invoked while open")
	}

	// Cooldown elapses, probe succeeds, breaker closes.
	time.Sleep(80 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", cb.State())
	}
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Errorf("Expected probe success, got error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed after probe, got %s", cb.State())
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	cfg.SuccessThreshold = 2 // keep half-open across concurrent probes
	cb := NewCircuitBreaker("gpt-test", cfg, logger)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, func() error { return errors.New("fail") })
	}
	time.Sleep(80 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open, got %s", cb.State())
	}

	// With MaxProbes=1, at most one concurrent probe may be in flight.
	var inFlight, maxInFlight int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Execute(ctx, func() error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					m := atomic.LoadInt64(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt64(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&maxInFlight); got > 1 {
		t.Errorf("Expected at most 1 probe in flight, observed %d", got)
	}
}

func TestCooldownGrowsOnRepeatedTrips(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	cfg.Cooldown = 40 * time.Millisecond
	cfg.CooldownGrowth = 2.0
	cfg.MaxCooldown = time.Second
	cb := NewCircuitBreaker("gpt-test", cfg, logger)
	ctx := context.Background()

	trip := func() {
		for cb.State() != StateOpen {
			cb.Execute(ctx, func() error { return errors.New("fail") })
		}
	}

	// First trip: half-open after the base cooldown.
	trip()
	time.Sleep(60 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open after base cooldown, got %s", cb.State())
	}

	// Failed probe re-trips; second cooldown is doubled, so the breaker is
	// still open after the base interval.
	cb.Execute(ctx, func() error { return errors.New("probe fail") })
	if cb.State() != StateOpen {
		t.Fatalf("Expected open after failed probe, got %s", cb.State())
	}
	time.Sleep(60 * time.Millisecond)
	if cb.State() != StateOpen {
		t.Errorf("Expected breaker still open within doubled cooldown, got %s", cb.State())
	}
	time.Sleep(60 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected half-open after doubled cooldown, got %s", cb.State())
	}
}

func TestCancellationDoesNotCountAsFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cb := NewCircuitBreaker("gpt-test", cfg, logger)

	err := cb.Execute(context.Background(), func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected cancellation not to trip breaker, got %s", cb.State())
	}
	if c := cb.Counts(); c.TotalFailures != 0 {
		t.Errorf("Expected 0 failures counted, got %d", c.TotalFailures)
	}
}

func TestRegistryLazyCreation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := NewRegistry(testConfig(), logger)

	a := reg.Get("model-a")
	b := reg.Get("model-b")
	if a == b {
		t.Error("Expected distinct breakers per model")
	}
	if reg.Get("model-a") != a {
		t.Error("Expected same breaker on repeated Get")
	}

	states := reg.States()
	if len(states) != 2 || states["model-a"] != StateClosed {
		t.Errorf("Unexpected states snapshot: %+v", states)
	}
}

func TestRegistryConcurrentGet(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := NewRegistry(testConfig(), logger)

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = reg.Get("shared-model")
		}()
	}
	wg.Wait()
	for i := 1; i < 16; i++ {
		if results[i] != results[0] {
			t.Fatal("Expected all goroutines to observe the same breaker")
		}
	}
}
