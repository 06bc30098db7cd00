package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for flush activity.
type Metrics struct {
	Flushes              prometheus.Counter
	FlushDuration        prometheus.Histogram
	Writes               *prometheus.CounterVec
	Rollbacks            *prometheus.CounterVec
	ConstraintViolations *prometheus.CounterVec
}

// New creates and registers the collectors on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "odmflush_flushes_total",
			Help: "Total number of unit-of-work flushes",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "odmflush_flush_duration_seconds",
			Help:    "Duration of unit-of-work flushes",
			Buckets: prometheus.DefBuckets,
		}),
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odmflush_writes_total",
			Help: "Atomic writes submitted to the storage gateway by kind and outcome",
		}, []string{"kind", "outcome"}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odmflush_rollbacks_total",
			Help: "Roots restored from their snapshot after a rejected write",
		}, []string{"collection"}),
		ConstraintViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odmflush_constraint_violations_total",
			Help: "Writes rejected by a unique index",
		}, []string{"index"}),
	}
}

func (m *Metrics) IncrementFlushes() {
	m.Flushes.Inc()
}

func (m *Metrics) ObserveFlushDuration(seconds float64) {
	m.FlushDuration.Observe(seconds)
}

func (m *Metrics) IncrementWrites(kind, outcome string) {
	m.Writes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncrementRollbacks(collection string) {
	m.Rollbacks.WithLabelValues(collection).Inc()
}

func (m *Metrics) IncrementConstraintViolations(index string) {
	m.ConstraintViolations.WithLabelValues(index).Inc()
}
