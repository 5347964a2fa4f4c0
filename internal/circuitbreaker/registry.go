package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per model identifier, created lazily on first
// reference and shared by every in-flight request touching that model.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
	logger   *zap.Logger
}

// NewRegistry creates a registry whose breakers all use the given config.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker for a model, creating it on first use.
func (r *Registry) Get(model string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[model]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[model]; ok {
		return cb
	}
	cfg := r.config
	orig := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		recordStateChange(name, from, to)
		if orig != nil {
			orig(name, from, to)
		}
	}
	cb = NewCircuitBreaker(model, cfg, r.logger)
	r.breakers[model] = cb
	return cb
}

// Reset clears the breaker for a model if one exists.
func (r *Registry) Reset(model string) {
	r.mu.RLock()
	cb, ok := r.breakers[model]
	r.mu.RUnlock()
	if ok {
		cb.Reset()
	}
}

// States returns a snapshot of every known breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for model, cb := range r.breakers {
		out[model] = cb.State()
	}
	return out
}
