package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	applyTotal         *prometheus.CounterVec
	applyDuration      *prometheus.HistogramVec
	keysIssuedTotal    *prometheus.CounterVec
	statusTransitions  *prometheus.CounterVec
	conflictsTotal     *prometheus.CounterVec
	seedTotal          *prometheus.CounterVec
	accessChecksTotal  *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		applyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Total number of events passed to the reconciler.",
		}, []string{"kind", "outcome"}),

		applyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Latency of reconciler Apply calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		keysIssuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_keys_issued_total",
			Help:      "Total number of API keys issued.",
		}, []string{"reason"}),

		statusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Total number of user subscription status changes.",
		}, []string{"from", "to"}),

		conflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ownership_conflicts_total",
			Help:      "Total number of rejected cross-user subscription writes.",
		}, []string{"kind"}),

		seedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defaults_seed_total",
			Help:      "Total number of per-user defaults seeding attempts.",
		}, []string{"result"}),

		accessChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_checks_total",
			Help:      "Total number of API key access decisions.",
		}, []string{"allowed", "reason"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordApply(kind, outcome string, duration time.Duration) {
	m.applyTotal.WithLabelValues(kind, outcome).Inc()
	m.applyDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordKeyIssued(reason string) {
	m.keysIssuedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordStatusTransition(from, to entitlement.Status) {
	m.statusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordConflict(kind string) {
	m.conflictsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSeed(seeded bool, err error) {
	result := "skipped"
	switch {
	case err != nil:
		result = "error"
	case seeded:
		result = "seeded"
	}
	m.seedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAccessCheck(allowed bool, reason string) {
	m.accessChecksTotal.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
