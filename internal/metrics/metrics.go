package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Proxied requests by terminal decision.",
	}, []string{"decision"})

	ViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_total",
		Help:      "Guardrail and envelope violations by type.",
	}, []string{"type"})

	EvaluatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluator_duration_seconds",
		Help:      "Guardrail evaluation latency by evaluator kind.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 5},
	}, []string{"kind"})

	CacheHitRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_hit_ratio",
		Help:      "Hit ratio of the contract/config cache.",
	})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Circuit state per dependency (0=closed, 1=half-open, 2=open).",
	}, []string{"dependency"})

	TelemetryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_dropped_total",
		Help:      "Telemetry records dropped because the queue was full.",
	})
)

// Handler exposes the default registry in text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCircuitState maps a breaker state string onto the gauge.
func SetCircuitState(dependency, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1.0
	case "open":
		v = 2.0
	}
	CircuitState.WithLabelValues(dependency).Set(v)
}
