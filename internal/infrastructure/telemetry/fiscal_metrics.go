package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metric names, without namespace
const (
	MetricRecordsChainedTotal        = "records_chained_total"
	MetricSubmissionTransitionsTotal = "submission_transitions_total"
	MetricAuthorityCallDuration      = "authority_call_duration_seconds"
	MetricTaskDuration               = "task_duration_seconds"
	MetricChainHaltsTotal            = "chain_halts_total"
	MetricQueueDepth                 = "queue_depth"
)

// DefaultFiscalMetricsNamespace prefixes every metric name
const DefaultFiscalMetricsNamespace = "verifactu"

// PrometheusFiscalMetrics records coordinator activity on a private registry.
// Labels never carry entity or record ids.
type PrometheusFiscalMetrics struct {
	registry *prometheus.Registry

	recordsChained prometheus.Counter
	transitions    *prometheus.CounterVec
	authorityCalls *prometheus.HistogramVec
	tasks          *prometheus.HistogramVec
	chainHalts     prometheus.Counter
	queueDepth     prometheus.Gauge
}

// NewPrometheusFiscalMetrics creates the collectors under namespace
// ("verifactu" when empty) and registers them on a fresh registry.
func NewPrometheusFiscalMetrics(namespace string) *PrometheusFiscalMetrics {
	if namespace == "" {
		namespace = DefaultFiscalMetricsNamespace
	}
	m := &PrometheusFiscalMetrics{
		registry: prometheus.NewRegistry(),
		recordsChained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRecordsChainedTotal,
			Help:      "Records appended to an entity chain.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricSubmissionTransitionsTotal,
			Help:      "Submission state transitions by target state.",
		}, []string{"status"}),
		authorityCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricAuthorityCallDuration,
			Help:      "Latency of authority calls by operation and outcome.",
			Buckets:   prometheus.ExponentialBucketsRange(0.05, 60, 10),
		}, []string{"op", "outcome"}),
		tasks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricTaskDuration,
			Help:      "Time from dequeue to a task's final result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		chainHalts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricChainHaltsTotal,
			Help:      "Entities halted after a chain integrity failure.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricQueueDepth,
			Help:      "Tasks queued and not yet picked up by a worker.",
		}),
	}
	m.registry.MustRegister(
		m.recordsChained,
		m.transitions,
		m.authorityCalls,
		m.tasks,
		m.chainHalts,
		m.queueDepth,
	)
	return m
}

// Registry exposes the underlying registry, e.g. to add process collectors
func (m *PrometheusFiscalMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *PrometheusFiscalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *PrometheusFiscalMetrics) RecordsChained(n int) {
	m.recordsChained.Add(float64(n))
}

func (m *PrometheusFiscalMetrics) SubmissionTransition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

func (m *PrometheusFiscalMetrics) AuthorityCall(op, outcome string, d time.Duration) {
	m.authorityCalls.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *PrometheusFiscalMetrics) TaskFinished(outcome string, d time.Duration) {
	m.tasks.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *PrometheusFiscalMetrics) ChainHalted() {
	m.chainHalts.Inc()
}

func (m *PrometheusFiscalMetrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
