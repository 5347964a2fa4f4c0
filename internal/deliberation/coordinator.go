package deliberation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boardroom-ai/council/internal/cache"
	"github.com/boardroom-ai/council/internal/circuitbreaker"
	"github.com/boardroom-ai/council/internal/gateway"
	"github.com/boardroom-ai/council/internal/metrics"
	"github.com/boardroom-ai/council/internal/ratelimit"
	"github.com/boardroom-ai/council/internal/retry"
	"github.com/boardroom-ai/council/internal/streaming"
)

// Status is the lifecycle state of a deliberation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Record is the retained outcome of a deliberation, queryable after the
// event stream has ended.
type Record struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	Final    *Final    `json:"final,omitempty"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`

	stages map[int]*StageResult
}

// Stage returns the results of one stage, nil if that stage never ran.
func (r *Record) Stage(stage int) *StageResult { return r.stages[stage] }

// Config carries engine-level defaults; per-request values in Request
// override them.
type Config struct {
	Timeouts         Timeouts
	RetryPolicy      retry.Policy
	ModelCosts       map[string]int // token-bucket cost per call, by model
	DefaultCost      int
	SubscriberBuffer int
	Retention        time.Duration  // how long finished deliberations stay queryable
}

// DefaultConfig returns production defaults sized for interactive use.
func DefaultConfig() Config {
	return Config{
		Timeouts: Timeouts{
			Stage1:  60 * time.Second,
			Stage2:  30 * time.Second,
			Stage3:  60 * time.Second,
			Overall: 3 * time.Minute,
		},
		RetryPolicy:      retry.DefaultPolicy(),
		DefaultCost:      1,
		SubscriberBuffer: 256,
		Retention:        15 * time.Minute,
	}
}

// Engine coordinates the three deliberation stages: parallel collection,
// cross-model ranking, and synthesis. All collaborators are injected so
// tests can substitute fakes; the engine holds no package-level state.
type Engine struct {
	cfg      Config
	gw       gateway.Gateway
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	breakers *circuitbreaker.Registry
	manager  *streaming.Manager
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	records map[string]*Record
}

func NewEngine(cfg Config, gw gateway.Gateway, limiter *ratelimit.Limiter, c *cache.Cache, breakers *circuitbreaker.Registry, manager *streaming.Manager, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeouts.Stage1 <= 0 {
		cfg.Timeouts.Stage1 = def.Timeouts.Stage1
	}
	if cfg.Timeouts.Stage2 <= 0 {
		cfg.Timeouts.Stage2 = def.Timeouts.Stage2
	}
	if cfg.Timeouts.Stage3 <= 0 {
		cfg.Timeouts.Stage3 = def.Timeouts.Stage3
	}
	if cfg.Timeouts.Overall <= 0 {
		cfg.Timeouts.Overall = def.Timeouts.Overall
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = def.RetryPolicy
	}
	if cfg.DefaultCost <= 0 {
		cfg.DefaultCost = def.DefaultCost
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Engine{
		cfg:      cfg,
		gw:       gw,
		limiter:  limiter,
		cache:    c,
		breakers: breakers,
		manager:  manager,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
		records:  make(map[string]*Record),
	}
}

func (e *Engine) costFor(model string) int {
	if c, ok := e.cfg.ModelCosts[model]; ok && c > 0 {
		return c
	}
	return e.cfg.DefaultCost
}

// StartDeliberation validates the request, registers it, and launches the
// three-stage pipeline in the background. The returned channel carries the
// live event stream and is closed when the deliberation ends; late or
// reconnecting consumers use the Manager's replay instead.
func (e *Engine) StartDeliberation(req Request) (string, <-chan streaming.Event, error) {
	if err := req.validate(); err != nil {
		return "", nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if len(req.RankingModels) == 0 {
		req.RankingModels = req.Roster
	}
	if req.SynthesisModel == "" {
		req.SynthesisModel = req.Roster[0]
	}
	t := e.cfg.Timeouts
	if req.Timeouts.Stage1 > 0 {
		t.Stage1 = req.Timeouts.Stage1
	}
	if req.Timeouts.Stage2 > 0 {
		t.Stage2 = req.Timeouts.Stage2
	}
	if req.Timeouts.Stage3 > 0 {
		t.Stage3 = req.Timeouts.Stage3
	}
	if req.Timeouts.Overall > 0 {
		t.Overall = req.Timeouts.Overall
	}
	req.Timeouts = t

	policy := e.cfg.RetryPolicy
	if req.MaxAttempts > 0 {
		policy.MaxAttempts = req.MaxAttempts
	}

	// The deliberation outlives the HTTP request that started it; its
	// lifetime is bounded by the overall timeout and Cancel.
	ctx, cancel := context.WithTimeout(context.Background(), t.Overall)

	rec := &Record{
		ID:      req.ID,
		UserID:  req.UserID,
		Status:  StatusRunning,
		Started: time.Now(),
		stages:  make(map[int]*StageResult),
	}
	e.mu.Lock()
	e.cancels[req.ID] = cancel
	e.records[req.ID] = rec
	e.mu.Unlock()

	ch := e.manager.Subscribe(req.ID, e.cfg.SubscriberBuffer)
	mux := streaming.NewMux(e.cfg.SubscriberBuffer)

	metrics.DeliberationsStarted.Inc()
	e.logger.Info("Deliberation started",
		zap.String("deliberation_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.Strings("roster", req.Roster),
	)

	go e.run(ctx, req, policy, rec, mux)
	go func() {
		for ev := range mux.Output() {
			ev.DeliberationID = req.ID
			e.manager.Publish(req.ID, ev)
		}
		e.manager.Unsubscribe(req.ID, ch)
	}()

	return req.ID, ch, nil
}

// Cancel aborts a running deliberation. Canceling a finished or unknown
// deliberation returns ErrNotFound.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	cancel()
	return nil
}

// Lookup returns a point-in-time snapshot of a deliberation's record.
func (e *Engine) Lookup(id string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.stages = make(map[int]*StageResult, len(rec.stages))
	for k, v := range rec.stages {
		cp.stages[k] = v
	}
	return &cp, nil
}

func (e *Engine) setStage(rec *Record, sr *StageResult) {
	e.mu.Lock()
	rec.stages[sr.Stage] = sr
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, req Request, policy retry.Policy, rec *Record, mux *streaming.Mux) {
	start := time.Now()
	defer mux.Close()

	// Stage 1: every roster model answers the user in parallel.
	collectPrompt := []gateway.Message{
		{Role: "system", Content: "You are one advisor on a council of independent models. Answer the user's request directly and completely."},
		{Role: "user", Content: req.Context},
	}
	stage1 := e.runStage(ctx, StageCollect, req.Timeouts.Stage1, req.Roster, req.UserID, collectPrompt, req.Context, policy, mux)
	e.setStage(rec, stage1)

	candidates := stage1.Successes()
	mux.Emit(streaming.Event{
		Stage:   StageCollect,
		Kind:    streaming.KindStageComplete,
		Payload: stageSummary(stage1),
	})
	if len(candidates) == 0 {
		e.finish(ctx, rec, mux, start, nil, ErrAllModelsFailed)
		return
	}

	// Stage 2: each ranking model orders the anonymized candidates; the
	// individual rankings are merged by rank sum.
	ranked := candidates
	var rankedModels []string
	degradedRanking := false
	if len(candidates) > 1 {
		ranked, degradedRanking = e.rankCandidates(ctx, req, policy, candidates, rec, mux)
	} else {
		skipped := newStageResult(StageRank, nil)
		skipped.freeze()
		e.setStage(rec, skipped)
	}
	for _, c := range ranked {
		rankedModels = append(rankedModels, c.Model)
	}
	mux.Emit(streaming.Event{
		Stage:    StageRank,
		Kind:     streaming.KindStageComplete,
		Payload:  mustJSON(rankedModels),
		Degraded: degradedRanking,
	})

	// Stage 3: one synthesis model merges the ranked candidates. If it
	// fails, the top-ranked stage-1 answer is re-emitted verbatim.
	final := e.synthesize(ctx, req, policy, ranked, rankedModels, rec, mux)
	e.finish(ctx, rec, mux, start, final, nil)
}

func (e *Engine) rankCandidates(ctx context.Context, req Request, policy retry.Policy, candidates []*ModelResult, rec *Record, mux *streaming.Mux) ([]*ModelResult, bool) {
	prompt := buildRankingPrompt(req.Context, candidates)
	msgs := []gateway.Message{{Role: "user", Content: prompt}}
	stage2 := e.runStage(ctx, StageRank, req.Timeouts.Stage2, req.RankingModels, req.UserID, msgs, prompt, policy, mux)
	e.setStage(rec, stage2)

	var rankings [][]int
	for _, r := range stage2.Successes() {
		rankings = append(rankings, parseRanking(r.Content, len(candidates)))
	}
	if len(rankings) == 0 {
		// No ranker delivered; candidates keep their roster order.
		e.logger.Warn("All ranking calls failed; using roster order",
			zap.String("deliberation_id", req.ID))
		return candidates, true
	}

	order := consensusRanking(rankings, len(candidates))
	ranked := make([]*ModelResult, 0, len(candidates))
	for _, idx := range order {
		ranked = append(ranked, candidates[idx])
	}
	return ranked, false
}

func (e *Engine) synthesize(ctx context.Context, req Request, policy retry.Policy, ranked []*ModelResult, rankedModels []string, rec *Record, mux *streaming.Mux) *Final {
	prompt := buildSynthesisPrompt(req.Context, ranked)
	msgs := []gateway.Message{{Role: "user", Content: prompt}}
	stage3 := e.runStage(ctx, StageSynthesis, req.Timeouts.Stage3, []string{req.SynthesisModel}, req.UserID, msgs, prompt, policy, mux)
	e.setStage(rec, stage3)

	if res := stage3.Get(req.SynthesisModel); res != nil && res.Succeeded() {
		return &Final{Content: res.Content, Source: "synthesis", Ranking: rankedModels}
	}

	// Degraded path: the best candidate speaks for the council.
	top := ranked[0]
	e.logger.Warn("Synthesis failed; re-emitting top-ranked answer",
		zap.String("deliberation_id", req.ID),
		zap.String("model", top.Model))
	mux.Emit(streaming.Event{
		Stage:    StageSynthesis,
		Kind:     streaming.KindToken,
		Payload:  top.Content,
		Degraded: true,
	})
	return &Final{Content: top.Content, Source: top.Model, Degraded: true, Ranking: rankedModels}
}

// runStage fans out one call per model and collects results until every
// call returns or the stage deadline expires. On expiry the stage result
// freezes with timeout markers for the missing models; stragglers are
// canceled and their late results dropped.
func (e *Engine) runStage(ctx context.Context, stage int, timeout time.Duration, models []string, userID string, prompt []gateway.Message, contextKey string, policy retry.Policy, mux *streaming.Mux) *StageResult {
	start := time.Now()
	sr := newStageResult(stage, models)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, model := range models {
		src := make(chan streaming.Event, 16)
		mux.Attach(src)
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			defer close(src)
			res := e.callModel(sctx, userID, stage, model, prompt, contextKey, policy, func(ev streaming.Event) {
				if stage == StageSynthesis {
					// Synthesis tokens are the final channel; they carry no
					// model tag.
					ev.Model = ""
				}
				src <- ev
			})
			sr.record(res)
		}(model)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
	}
	sr.freeze()

	metrics.StageDuration.WithLabelValues(strconv.Itoa(stage)).Observe(time.Since(start).Seconds())
	return sr
}

func (e *Engine) finish(ctx context.Context, rec *Record, mux *streaming.Mux, start time.Time, final *Final, failure error) {
	status := StatusCompleted
	var errText string
	switch {
	case failure != nil:
		status = StatusFailed
		if errors.Is(ctx.Err(), context.Canceled) {
			status = StatusCanceled
		}
		errText = failure.Error()
		mux.Emit(streaming.Event{Kind: streaming.KindError, Payload: errText})
	case errors.Is(ctx.Err(), context.Canceled):
		status = StatusCanceled
		errText = "deliberation canceled"
		final = nil
		mux.Emit(streaming.Event{Kind: streaming.KindError, Payload: errText})
	default:
		mux.Emit(streaming.Event{Kind: streaming.KindFinal, Payload: mustJSON(final), Degraded: final.Degraded})
	}

	e.mu.Lock()
	rec.Status = status
	rec.Final = final
	rec.Error = errText
	rec.Finished = time.Now()
	if cancel, ok := e.cancels[rec.ID]; ok {
		delete(e.cancels, rec.ID)
		cancel()
	}
	e.mu.Unlock()

	metrics.DeliberationsCompleted.WithLabelValues(string(status)).Inc()
	metrics.DeliberationDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("Deliberation finished",
		zap.String("deliberation_id", rec.ID),
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(start)),
	)

	// The record and replay history stay queryable for the retention
	// window, then both are dropped so finished deliberations do not
	// accumulate for the process lifetime.
	time.AfterFunc(e.cfg.Retention, func() { e.evict(rec.ID) })
}

func (e *Engine) evict(id string) {
	e.mu.Lock()
	delete(e.records, id)
	e.mu.Unlock()
	e.manager.Forget(id)
}

func buildSynthesisPrompt(userContext string, ranked []*ModelResult) string {
	var b strings.Builder
	b.WriteString("You are the spokesperson for a council of models. Merge the ranked candidate answers below into one final answer for the user. Prefer the content of higher-ranked candidates and resolve disagreements in their favor.\n\n")
	b.WriteString("User request:\n")
	b.WriteString(userContext)
	b.WriteString("\n\nCandidates, best first:\n")
	for i, c := range ranked {
		fmt.Fprintf(&b, "\n#%d:\n%s\n", i+1, c.Content)
	}
	return b.String()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func stageSummary(sr *StageResult) string {
	type slot struct {
		Model   string  `json:"model"`
		Outcome Outcome `json:"outcome"`
	}
	out := make([]slot, 0, len(sr.Order))
	for _, r := range sr.All() {
		out = append(out, slot{Model: r.Model, Outcome: r.Outcome})
	}
	return mustJSON(out)
}
