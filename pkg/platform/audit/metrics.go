package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit trail.
type Metrics struct {
	Recorded           *prometheus.CounterVec
	PersistFailures    prometheus.Counter
	PersistDuration    prometheus.Histogram
	MutationRejections *prometheus.CounterVec
	SinkFailures       prometheus.Counter
	SinkDropped        prometheus.Counter
	Pending            prometheus.Gauge
}

// NewMetrics registers audit metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers audit metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Recorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medguard_audit_records_total",
			Help: "Total audit records persisted by action and status",
		}, []string{"action", "status"}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "medguard_audit_persist_failures_total",
			Help: "Total audit records that failed validation or persistence",
		}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "medguard_audit_persist_duration_seconds",
			Help:    "Duration of audit record persistence",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		MutationRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medguard_audit_mutation_rejections_total",
			Help: "Total rejected attempts to update or delete audit records",
		}, []string{"operation"}),
		SinkFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "medguard_audit_sink_failures_total",
			Help: "Total failures publishing audit records to downstream sinks",
		}),
		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "medguard_audit_sink_dropped_total",
			Help: "Total audit records not published because the sink circuit was open",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "medguard_audit_dispatch_pending",
			Help: "Audit records handed to the dispatcher and not yet persisted",
		}),
	}
}

func (m *Metrics) IncRecorded(action Action, status Status) {
	if m != nil {
		m.Recorded.WithLabelValues(string(action), string(status)).Inc()
	}
}

func (m *Metrics) IncPersistFailures() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) ObservePersistDuration(d time.Duration) {
	if m != nil {
		m.PersistDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncMutationRejected(op string) {
	if m != nil {
		m.MutationRejections.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) IncSinkFailures() {
	if m != nil {
		m.SinkFailures.Inc()
	}
}

func (m *Metrics) IncSinkDropped() {
	if m != nil {
		m.SinkDropped.Inc()
	}
}

func (m *Metrics) AddPending(delta float64) {
	if m != nil {
		m.Pending.Add(delta)
	}
}
