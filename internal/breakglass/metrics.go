package breakglass

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts override activity.
type Metrics struct {
	Activations *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
}

// NewMetrics registers the metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Activations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medguard_breakglass_activations_total",
			Help: "Break-glass overrides activated by resource type",
		}, []string{"resource_type"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medguard_breakglass_rejections_total",
			Help: "Break-glass requests refused by reason",
		}, []string{"reason"}), // reason: "justification", "caller", "not_found", "lookup", "audit"
	}
}

func (m *Metrics) IncActivation(resourceType string) {
	if m != nil {
		m.Activations.WithLabelValues(resourceType).Inc()
	}
}

func (m *Metrics) IncRejection(reason string) {
	if m != nil {
		m.Rejections.WithLabelValues(reason).Inc()
	}
}
