package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "council_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"model"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"model", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "council_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"model"},
	)
)

func recordStateChange(model string, from, to State) {
	breakerStateChanges.WithLabelValues(model, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(model).Set(float64(to))

	if to == StateOpen {
		breakerOpenSince.WithLabelValues(model).SetToCurrentTime()
	} else if from == StateOpen {
		breakerOpenSince.WithLabelValues(model).Set(0)
	}
}
