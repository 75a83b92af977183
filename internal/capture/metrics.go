package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts finalized requests and capture failures.
type Metrics struct {
	Finalized     *prometheus.CounterVec
	StateFailures prometheus.Counter
}

// NewMetrics registers the metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Finalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medguard_capture_finalized_total",
			Help: "Requests finalized into an audit record by action and status",
		}, []string{"action", "status"}),
		StateFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "medguard_capture_before_state_failures_total",
			Help: "Before-state reads that failed and were left out of the record",
		}),
	}
}

func (m *Metrics) IncFinalized(action, status string) {
	if m != nil {
		m.Finalized.WithLabelValues(action, status).Inc()
	}
}

func (m *Metrics) IncStateFailure() {
	if m != nil {
		m.StateFailures.Inc()
	}
}
