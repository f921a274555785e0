package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements quotagate.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	violationsTotal  *prometheus.CounterVec
	storeFallbacks   *prometheus.CounterVec
	storeOpsDuration *prometheus.HistogramVec
	storeOpsErrors   *prometheus.CounterVec
	sinkDropsTotal   *prometheus.CounterVec
	auditPurgedTotal prometheus.Counter
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions.",
		}, []string{"feature", "plan", "allowed"}),

		decisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Latency of rate limit decisions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feature"}),

		violationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Total number of recorded violations.",
		}, []string{"type", "action"}),

		storeFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallback_total",
			Help:      "Total number of operations served by the in-process fallback store.",
		}, []string{"operation"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of counter store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of counter store operation errors.",
		}, []string{"operation"}),

		sinkDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_drops_total",
			Help:      "Total number of events dropped because a forwarding queue was full.",
		}, []string{"kind"}),

		auditPurgedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_purged_total",
			Help:      "Total number of audit entries removed by the retention sweep.",
		}),
	}
}

func (m *Metrics) RecordDecision(feature, plan string, allowed bool, duration time.Duration) {
	m.decisionsTotal.WithLabelValues(feature, plan, strconv.FormatBool(allowed)).Inc()
	m.decisionDuration.WithLabelValues(feature).Observe(duration.Seconds())
}

func (m *Metrics) RecordViolation(violationType, action string) {
	m.violationsTotal.WithLabelValues(violationType, action).Inc()
}

func (m *Metrics) RecordStoreFallback(operation string) {
	m.storeFallbacks.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordSinkDrop(kind string) {
	m.sinkDropsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAuditPurge(count int) {
	m.auditPurgedTotal.Add(float64(count))
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
