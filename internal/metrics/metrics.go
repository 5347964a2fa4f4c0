package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliberation metrics
	DeliberationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "council_deliberations_started_total",
			Help: "Total number of deliberations started",
		},
	)

	DeliberationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_deliberations_completed_total",
			Help: "Total number of deliberations completed",
		},
		[]string{"status"},
	)

	DeliberationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "council_deliberation_duration_seconds",
			Help:    "End-to-end deliberation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "council_stage_duration_seconds",
			Help:    "Per-stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Model call metrics
	ModelCallAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_model_call_attempts_total",
			Help: "Total number of model call attempts",
		},
		[]string{"model", "stage", "outcome"},
	)

	ModelCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "council_model_call_latency_ms",
			Help:    "Model call latency in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"model", "stage"},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_tokens_used_total",
			Help: "Total tokens consumed across model calls",
		},
		[]string{"model"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "council_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "council_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	CacheSharedFlights = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "council_cache_shared_flights_total",
			Help: "Callers that shared another caller's in-flight computation",
		},
	)

	// Rate limit metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_rate_limit_rejections_total",
			Help: "Total number of rate-limited acquisitions",
		},
		[]string{"user_id"},
	)

	RateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "council_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-user token bucket",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_events_published_total",
			Help: "Total events published to deliberation streams",
		},
		[]string{"kind"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "council_stream_subscribers",
			Help: "Number of active stream subscribers",
		},
	)
)
