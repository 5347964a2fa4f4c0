package deliberation

import (
	"errors"
	"sync"
	"time"

	"github.com/boardroom-ai/council/internal/gateway"
)

// Stage identifiers in event tags and cache fingerprints.
const (
	StageCollect   = 1
	StageRank      = 2
	StageSynthesis = 3
)

var (
	ErrAllModelsFailed = errors.New("all models failed")
	ErrEmptyRoster     = errors.New("roster must contain at least one model")
	ErrMissingUser     = errors.New("user id is required")
	ErrMissingContext  = errors.New("conversation context is required")
	ErrNotFound        = errors.New("deliberation not found")
)

// Timeouts layers the three deadline levels: per-attempt timeouts live in
// the gateway, per-stage and overall timeouts here. Zero values fall back
// to the engine defaults.
type Timeouts struct {
	Stage1  time.Duration
	Stage2  time.Duration
	Stage3  time.Duration
	Overall time.Duration
}

// Request is the immutable input for one deliberation turn. It is created
// by the caller and read-only from then on.
type Request struct {
	ID             string
	UserID         string
	Roster         []string // ordered model identifiers, 1..N
	RankingModels  []string // defaults to Roster
	SynthesisModel string   // defaults to the first roster model
	Context        string   // opaque conversation context payload
	Timeouts       Timeouts
	MaxAttempts    int // per-call attempt budget; 0 uses the engine default
}

func (r *Request) validate() error {
	if len(r.Roster) == 0 {
		return ErrEmptyRoster
	}
	if r.UserID == "" {
		return ErrMissingUser
	}
	if r.Context == "" {
		return ErrMissingContext
	}
	return nil
}

// Outcome classifies how one model call ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCanceled    Outcome = "canceled"
)

// ModelResult is one model's contribution to a stage: its full response on
// success, or an explicit failure marker otherwise.
type ModelResult struct {
	Model    string        `json:"model"`
	Outcome  Outcome       `json:"outcome"`
	Content  string        `json:"content,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency_ms"`
	Usage    gateway.Usage `json:"usage"`
	CacheHit bool          `json:"cache_hit,omitempty"`
	Attempts int           `json:"attempts"`
}

// Succeeded reports whether this slot carries a usable response.
func (r *ModelResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// StageResult accumulates per-model results for one stage. It is written
// to concurrently while the stage runs and frozen once the stage's
// completion policy is satisfied; writes after freezing are dropped.
type StageResult struct {
	Stage int
	Order []string // roster order, for deterministic iteration

	mu      sync.Mutex
	results map[string]*ModelResult
	frozen  bool
}

func newStageResult(stage int, order []string) *StageResult {
	return &StageResult{
		Stage:   stage,
		Order:   append([]string(nil), order...),
		results: make(map[string]*ModelResult, len(order)),
	}
}

func (s *StageResult) record(res *ModelResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	s.results[res.Model] = res
}

func (s *StageResult) freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
	// Slots with no recorded outcome were cut off by the stage deadline.
	for _, model := range s.Order {
		if _, ok := s.results[model]; !ok {
			s.results[model] = &ModelResult{Model: model, Outcome: OutcomeTimeout, Error: "stage timeout"}
		}
	}
}

// Get returns the result for a model, nil if unknown.
func (s *StageResult) Get(model string) *ModelResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[model]
}

// Successes returns successful results in roster order.
func (s *StageResult) Successes() []*ModelResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ModelResult
	for _, model := range s.Order {
		if r, ok := s.results[model]; ok && r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// All returns every result in roster order.
func (s *StageResult) All() []*ModelResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ModelResult, 0, len(s.Order))
	for _, model := range s.Order {
		if r, ok := s.results[model]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Final describes the terminal answer of a deliberation.
type Final struct {
	Content  string   `json:"content"`
	Source   string   `json:"source"` // "synthesis" or the model whose answer was re-emitted
	Degraded bool     `json:"degraded"`
	Ranking  []string `json:"ranking,omitempty"`
}
