package deliberation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/boardroom-ai/council/internal/cache"
	"github.com/boardroom-ai/council/internal/circuitbreaker"
	"github.com/boardroom-ai/council/internal/gateway"
	"github.com/boardroom-ai/council/internal/metrics"
	"github.com/boardroom-ai/council/internal/ratelimit"
	"github.com/boardroom-ai/council/internal/retry"
	"github.com/boardroom-ai/council/internal/streaming"
)

// callModel drives one logical model call through the full protection
// chain: rate limiter, response cache (single-flight), retry wrapper,
// circuit breaker, gateway. Streamed tokens are forwarded through emit as
// they arrive; the returned result is always non-nil and terminal.
func (e *Engine) callModel(ctx context.Context, userID string, stage int, model string, prompt []gateway.Message, contextKey string, policy retry.Policy, emit func(streaming.Event)) *ModelResult {
	res := &ModelResult{Model: model}
	start := time.Now()

	cost := e.costFor(model)
	if err := e.limiter.Acquire(ctx, userID, cost); err != nil {
		res.Latency = time.Since(start)
		res.Outcome = outcomeFor(err)
		res.Error = err.Error()
		e.recordOutcome(stage, res)
		return res
	}

	fp := cache.Fingerprint(stage, model, contextKey)
	streamed := false
	val, fromCache, err := e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) ([]byte, error) {
		streamed = true
		content, err := e.streamOnce(ctx, stage, model, prompt, policy, res, emit)
		if err != nil {
			return nil, err
		}
		return []byte(content), nil
	})

	res.Latency = time.Since(start)
	if err != nil {
		res.Outcome = outcomeFor(err)
		res.Error = err.Error()
		e.recordOutcome(stage, res)
		return res
	}

	res.Outcome = OutcomeSuccess
	res.Content = string(val)
	res.CacheHit = fromCache
	if !streamed {
		// Cached or shared result: the consumer still gets the content,
		// as one event instead of a live token stream.
		emit(streaming.Event{Stage: stage, Model: model, Kind: streaming.KindToken, Payload: res.Content})
	}
	e.recordOutcome(stage, res)
	return res
}

// streamOnce performs the retried, breaker-guarded streaming call and
// returns the accumulated response text.
func (e *Engine) streamOnce(ctx context.Context, stage int, model string, prompt []gateway.Message, policy retry.Policy, res *ModelResult, emit func(streaming.Event)) (string, error) {
	breaker := e.breakers.Get(model)
	var content string

	err := retry.Do(ctx, policy, e.logger, func(a retry.Attempt) {
		res.Attempts = a.Number
		metrics.ModelCallAttempts.WithLabelValues(model, strconv.Itoa(stage), string(outcomeFor(a.Err))).Inc()
		metrics.ModelCallLatency.WithLabelValues(model, strconv.Itoa(stage)).Observe(float64(a.Latency.Milliseconds()))
	}, func(ctx context.Context, attempt int) error {
		return breaker.Execute(ctx, func() error {
			// A retried attempt restarts the stream; tokens already emitted
			// for a failed attempt are superseded by the final content.
			content = ""
			ch, err := e.gw.Stream(ctx, gateway.Request{Model: model, Messages: prompt})
			if err != nil {
				return err
			}
			for c := range ch {
				// Chunks that race a cancellation are dropped so no tokens
				// reach consumers after Cancel returns.
				if err := ctx.Err(); err != nil {
					return err
				}
				if c.Err != nil {
					return c.Err
				}
				if c.Usage != nil {
					res.Usage = *c.Usage
				}
				if c.Content != "" {
					content += c.Content
					emit(streaming.Event{Stage: stage, Model: model, Kind: streaming.KindToken, Payload: c.Content})
				}
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	if res.Usage.TotalTokens > 0 {
		metrics.TokensUsed.WithLabelValues(model).Add(float64(res.Usage.TotalTokens))
	}
	return content, nil
}

// outcomeFor maps an error from the call chain to its outcome class.
func outcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
		errors.Is(err, circuitbreaker.ErrProbeInFlight):
		return OutcomeCircuitOpen
	case errors.Is(err, ratelimit.ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		if gateway.ClassOf(err) == gateway.ClassRateLimited {
			return OutcomeRateLimited
		}
		return OutcomeError
	}
}

func (e *Engine) recordOutcome(stage int, res *ModelResult) {
	if res.Outcome != OutcomeSuccess {
		e.logger.Warn("Model call failed",
			zap.String("model", res.Model),
			zap.Int("stage", stage),
			zap.String("outcome", string(res.Outcome)),
			zap.String("error", res.Error),
			zap.Int("attempts", res.Attempts),
		)
	}
}
