package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scheduling exposes counters/histograms for booking and availability flows.
// A nil *Scheduling is valid and records nothing.
type Scheduling struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

func NewScheduling(reg prometheus.Registerer) *Scheduling {
	m := &Scheduling{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "operations_total",
			Help:      "Scheduling operations by outcome",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "operation_duration_seconds",
			Help:      "Latency of scheduling operations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "availability_cache",
			Name:      "lookups_total",
			Help:      "Availability cache lookups by scope and result",
		}, []string{"scope", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "availability_cache",
			Name:      "invalidations_total",
			Help:      "Availability cache invalidations by scope and status",
		}, []string{"scope", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.latency, m.cacheLookups, m.invalidations)
	return m
}

func (m *Scheduling) ObserveOperation(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObserveCacheLookup records hit, miss or error for one lookup.
func (m *Scheduling) ObserveCacheLookup(scope, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(scope, result).Inc()
}

func (m *Scheduling) ObserveInvalidation(scope string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.invalidations.WithLabelValues(scope, status).Inc()
}
