// Package metrics exposes NetPulse's Prometheus metrics: scheduling
// latency, job outcomes, pinned session count, store latency, and HTTP
// request metrics. One struct organizes the metrics by concern, built with
// promauto constructors behind a New(namespace, subsystem) plus a global
// Init/Get pair.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every NetPulse metric, grouped by concern.
type Metrics struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Scheduling
	schedulingDuration *prometheus.HistogramVec
	jobsScheduled      *prometheus.CounterVec
	jobsFailed         *prometheus.CounterVec

	// Cluster / sessions
	pinnedSessionsActive prometheus.Gauge
	nodesAlive           prometheus.Gauge
	capacityExhausted    prometheus.Counter

	// Store
	storeOperationDuration *prometheus.HistogramVec
	storeErrors            *prometheus.CounterVec

	// Queues
	queueDepth *prometheus.GaugeVec
}

// New builds and registers every metric under namespace/subsystem.
func New(namespace, subsystem string) *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "http_requests_total", Help: "Total HTTP requests processed.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		schedulingDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "scheduling_duration_seconds", Help: "Time to select a node for a pinned host.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scheduler"}),
		jobsScheduled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "jobs_scheduled_total", Help: "Jobs successfully enqueued, by queue strategy.",
		}, []string{"strategy"}),
		jobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "jobs_failed_total", Help: "Jobs that finished with status=failed, by error kind.",
		}, []string{"kind"}),

		pinnedSessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "pinned_sessions_active", Help: "Currently live PinnedSessions on this node.",
		}),
		nodesAlive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cluster_nodes_alive", Help: "Nodes observed alive in the last cluster snapshot.",
		}),
		capacityExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "capacity_exhausted_total", Help: "Spawn attempts rejected for lack of node capacity.",
		}),

		storeOperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "store_operation_duration_seconds", Help: "Shared store round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		storeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "store_errors_total", Help: "Shared store operations that failed.",
		}, []string{"operation"}),

		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "queue_depth", Help: "Current length of a job queue.",
		}, []string{"queue"}),
	}
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordScheduling records one Scheduler.Select/BatchSelect call.
func (m *Metrics) RecordScheduling(scheduler string, duration time.Duration) {
	m.schedulingDuration.WithLabelValues(scheduler).Observe(duration.Seconds())
}

// RecordJobScheduled increments the scheduled-job counter for a strategy.
func (m *Metrics) RecordJobScheduled(strategy string) {
	m.jobsScheduled.WithLabelValues(strategy).Inc()
}

// RecordJobFailed increments the failed-job counter for an error kind.
func (m *Metrics) RecordJobFailed(kind string) {
	m.jobsFailed.WithLabelValues(kind).Inc()
}

// SetPinnedSessionsActive sets the current live-session gauge.
func (m *Metrics) SetPinnedSessionsActive(n int) {
	m.pinnedSessionsActive.Set(float64(n))
}

// SetNodesAlive sets the current alive-node gauge from a cluster snapshot.
func (m *Metrics) SetNodesAlive(n int) {
	m.nodesAlive.Set(float64(n))
}

// RecordCapacityExhausted increments the capacity-exhaustion counter.
func (m *Metrics) RecordCapacityExhausted() {
	m.capacityExhausted.Inc()
}

// RecordStoreOperation records one SharedStore call's latency and outcome.
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeErrors.WithLabelValues(operation).Inc()
	}
}

// SetQueueDepth sets the gauge for a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Global metrics instance, set by Init and read by Get.
var global *Metrics

// Init initializes the global metrics instance.
func Init(namespace, subsystem string) {
	global = New(namespace, subsystem)
}

// Get returns the global metrics instance, building one under the
// "netpulse" namespace and "core" subsystem if Init was never called.
func Get() *Metrics {
	if global == nil {
		global = New("netpulse", "core")
	}
	return global
}
