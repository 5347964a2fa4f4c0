package circuitbreaker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrProbeInFlight      = errors.New("probe already in flight in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	MaxProbes        uint32        // Max concurrent probe calls in half-open state
	Interval         time.Duration // Interval to clear the failure counter in closed state
	Cooldown         time.Duration // Base wait before transitioning from open to half-open
	MaxCooldown      time.Duration // Upper bound for the growing cooldown
	CooldownGrowth   float64       // Multiplier applied to the cooldown on repeated trips
	FailureThreshold uint32        // Consecutive failures in closed state before tripping
	SuccessThreshold uint32        // Probe successes in half-open state before closing
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns sensible defaults for a per-model breaker. A single
// probe is allowed in half-open so a recovering upstream sees exactly one
// test call.
func DefaultConfig() Config {
	return Config{
		MaxProbes:        1,
		Interval:         60 * time.Second,
		Cooldown:         10 * time.Second,
		MaxCooldown:      2 * time.Minute,
		CooldownGrowth:   2.0,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}
}

// Counts holds the circuit breaker statistics
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker guards one upstream model. All in-flight requests for that
// model share the one instance; state moves only through atomic transitions
// under the mutex.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex      sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	trips      uint32 // consecutive open transitions without an intervening close
	expiry     time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if config.CooldownGrowth < 1 {
		config.CooldownGrowth = 1
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker admits the call. When the breaker is open
// it returns ErrCircuitBreakerOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	// Cancellation says nothing about upstream health; release the slot
	// without counting an outcome so a half-open probe is not leaked.
	if errors.Is(err, context.Canceled) {
		cb.releaseRequest(generation)
		return err
	}
	cb.afterRequest(generation, err == nil)
	return err
}

func (cb *CircuitBreaker) releaseRequest(before uint64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.generation != before {
		return
	}
	if cb.counts.Requests > 0 {
		cb.counts.Requests--
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.counts
}

// Reset forces the breaker back to closed with fresh counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.trips = 0
	if cb.state == StateClosed {
		cb.toNewGeneration(time.Now())
		return
	}
	cb.setState(StateClosed, time.Now())
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitBreakerOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxProbes {
		return generation, ErrProbeInFlight
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.trips = 0
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	if state == StateOpen {
		cb.trips++
	}

	cb.toNewGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Uint32("trips", cb.trips),
	)
}

// cooldown returns the open-state wait, growing on consecutive trips and
// bounded by MaxCooldown.
func (cb *CircuitBreaker) cooldown() time.Duration {
	d := cb.config.Cooldown
	if cb.trips > 1 && cb.config.CooldownGrowth > 1 {
		d = time.Duration(float64(d) * math.Pow(cb.config.CooldownGrowth, float64(cb.trips-1)))
	}
	if cb.config.MaxCooldown > 0 && d > cb.config.MaxCooldown {
		d = cb.config.MaxCooldown
	}
	return d
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cooldown())
	default: // StateHalfOpen
		cb.expiry = zero
	}
}
