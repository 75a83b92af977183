package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the access decision engine.
type Metrics struct {
	// Decisions by outcome and deciding gate
	Decisions *prometheus.CounterVec

	// Break-glass overrides by the gate they suspended
	Overrides *prometheus.CounterVec

	// Resource resolution failures (not found excluded)
	ResolveErrors prometheus.Counter

	// Overall evaluation latency, including resource resolution
	EvaluateLatency prometheus.Histogram
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medguard_access_decisions_total",
			Help: "Total access decisions by outcome and deciding gate",
		}, []string{"outcome", "gate"}),

		Overrides: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medguard_access_breakglass_overrides_total",
			Help: "Denials converted to grants by an active break-glass override",
		}, []string{"gate"}),

		ResolveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "medguard_access_resolve_errors_total",
			Help: "Resource resolution failures that failed the request closed",
		}),

		EvaluateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medguard_access_evaluate_duration_seconds",
			Help:    "Duration of access evaluation including resource resolution",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
}

// IncDecision records a decision outcome.
func (m *Metrics) IncDecision(outcome, gate string) {
	if m != nil {
		m.Decisions.WithLabelValues(outcome, gate).Inc()
	}
}

// IncOverride records a break-glass override.
func (m *Metrics) IncOverride(gate string) {
	if m != nil {
		m.Overrides.WithLabelValues(gate).Inc()
	}
}

// IncResolveError records a failed resource lookup.
func (m *Metrics) IncResolveError() {
	if m != nil {
		m.ResolveErrors.Inc()
	}
}

// ObserveEvaluateLatency records the total evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}
