// Package metrics wraps the Prometheus collectors exported by the spectrum
// reader: read posting/completion counters, credit/registry gauges, and
// starvation/failure counters, scraped the same way the rest of this stack
// exposes a Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for the reader.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	connectionsOpened   prometheus.Counter
	connectionsTornDown *prometheus.CounterVec // reason: peer_disconnect, cm_error, inactive, quit, drained, failing step name, ...
	cmErrorsTotal       *prometheus.CounterVec // event: ADDR_ERROR, ROUTE_ERROR, ...

	readsPostedTotal    prometheus.Counter
	readsCompletedTotal *prometheus.CounterVec // outcome: success, digest_failure, read_failure
	digestFailuresTotal prometheus.Counter
	readFailuresTotal   *prometheus.CounterVec // status

	dataBufferStarvationTotal   prometheus.Counter
	signalBufferStarvationTotal prometheus.Counter
	consumerQueueOverflowTotal  *prometheus.CounterVec // consumer

	signalMessagesTotal prometheus.Counter
	rrDroppedTotal      *prometheus.CounterVec // reason: empty_consumer_set, not_established, quiescing, open_failed, or the teardown reason

	registrySize       prometheus.Gauge
	creditUtilization  *prometheus.GaugeVec // remote_addr -> num_posted/max_posted
	pendingDepth       *prometheus.GaugeVec // remote_addr -> len(pending)
	rrLatency          prometheus.Histogram // RR creation to delivery, milliseconds

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

var (
	promMetrics *PrometheusMetrics
	startOnce   sync.Once
	startTime   time.Time
)

// StartTime returns the process start time, recorded on first use.
func StartTime() time.Time {
	startOnce.Do(func() { startTime = time.Now() })
	return startTime
}

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_opened_total",
			Help: "Total CtC connections created",
		}),
		connectionsTornDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_torn_down_total",
			Help: "Total CtC connections torn down, by reason",
		}, []string{"reason"}),
		cmErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cm_errors_total",
			Help: "Total RDMA CM error events, by event type",
		}, []string{"event"}),

		readsPostedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reads_posted_total",
			Help: "Total RDMA READ work requests posted",
		}),
		readsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reads_completed_total",
			Help: "Total RDMA READ completions reaped, by outcome",
		}, []string{"outcome"}),
		digestFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "digest_failures_total",
			Help: "Total completions with a digest mismatch",
		}),
		readFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_failures_total",
			Help: "Total completions with a non-success work-completion status",
		}, []string{"status"}),

		dataBufferStarvationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "data_buffer_starvation_total",
			Help: "Total RRs dropped because the buffer pool could not allocate at post time",
		}),
		signalBufferStarvationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_buffer_starvation_total",
			Help: "Total signal-receiver buffer starvation events observed",
		}),
		consumerQueueOverflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "consumer_queue_overflow_total",
			Help: "Total messages dropped because a consumer queue was full",
		}, []string{"consumer"}),

		signalMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_messages_total",
			Help: "Total signal messages processed",
		}),
		rrDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_requests_dropped_total",
			Help: "Total read requests dropped before posting, by reason",
		}, []string{"reason"}),

		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registry_size",
			Help: "Current number of connections in the registry",
		}),
		creditUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "credit_utilization_ratio",
			Help: "num_posted / max_posted per connection",
		}, []string{"remote_addr"}),
		pendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_depth",
			Help: "Length of the pending RR FIFO per connection",
		}, []string{"remote_addr"}),
		rrLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "read_request_latency_milliseconds",
			Help:    "Time from RR creation to consumer delivery, in milliseconds",
			Buckets: buckets,
		}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Time since the reader process started",
	}, func() float64 { return time.Since(StartTime()).Seconds() })

	registry.MustRegister(
		pm.connectionsOpened, pm.connectionsTornDown, pm.cmErrorsTotal,
		pm.readsPostedTotal, pm.readsCompletedTotal, pm.digestFailuresTotal, pm.readFailuresTotal,
		pm.dataBufferStarvationTotal, pm.signalBufferStarvationTotal, pm.consumerQueueOverflowTotal,
		pm.signalMessagesTotal, pm.rrDroppedTotal,
		pm.registrySize, pm.creditUtilization, pm.pendingDepth, pm.rrLatency,
		pm.uptime,
	)

	promMetrics = pm
}

// ConnectionOpened records a new connection created.
func ConnectionOpened() {
	if promMetrics != nil {
		promMetrics.connectionsOpened.Inc()
	}
}

// ConnectionTornDown records teardown of a connection for a given reason
// (e.g. "peer_disconnect", "cm_error", "inactive", "quit", "drained", or the
// name of the step that failed).
func ConnectionTornDown(reason string) {
	if promMetrics != nil {
		promMetrics.connectionsTornDown.WithLabelValues(reason).Inc()
	}
}

// CMError records a CM error event by type.
func CMError(event string) {
	if promMetrics != nil {
		promMetrics.cmErrorsTotal.WithLabelValues(event).Inc()
	}
}

// ReadPosted records one RDMA READ work request posted.
func ReadPosted() {
	if promMetrics != nil {
		promMetrics.readsPostedTotal.Inc()
	}
}

// ReadCompleted records one reaped completion by outcome
// ("success", "digest_failure", "read_failure").
func ReadCompleted(outcome string) {
	if promMetrics != nil {
		promMetrics.readsCompletedTotal.WithLabelValues(outcome).Inc()
	}
	if promMetrics != nil && outcome == "digest_failure" {
		promMetrics.digestFailuresTotal.Inc()
	}
}

// ReadFailure records a non-success work-completion status.
func ReadFailure(status string) {
	if promMetrics != nil {
		promMetrics.readFailuresTotal.WithLabelValues(status).Inc()
	}
}

// DataBufferStarvation records a post-time buffer-pool allocation failure.
func DataBufferStarvation() {
	if promMetrics != nil {
		promMetrics.dataBufferStarvationTotal.Inc()
	}
}

// SignalBufferStarvation records a signal-receiver buffer starvation event.
func SignalBufferStarvation() {
	if promMetrics != nil {
		promMetrics.signalBufferStarvationTotal.Inc()
	}
}

// ConsumerQueueOverflow records a dropped message for a full consumer queue.
func ConsumerQueueOverflow(consumer string) {
	if promMetrics != nil {
		promMetrics.consumerQueueOverflowTotal.WithLabelValues(consumer).Inc()
	}
}

// SignalMessageProcessed records one processed signal message.
func SignalMessageProcessed() {
	if promMetrics != nil {
		promMetrics.signalMessagesTotal.Inc()
	}
}

// ReadRequestDropped records an RR dropped before posting, by reason
// ("empty_consumer_set", "not_established", "quiescing", "open_failed", or
// the connection's teardown reason for a dropped backlog).
func ReadRequestDropped(reason string) {
	if promMetrics != nil {
		promMetrics.rrDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// SetRegistrySize sets the current registry size gauge.
func SetRegistrySize(n int) {
	if promMetrics != nil {
		promMetrics.registrySize.Set(float64(n))
	}
}

// SetCreditUtilization sets the per-connection credit utilization gauge.
func SetCreditUtilization(remoteAddr string, numPosted, maxPosted int) {
	if promMetrics == nil || maxPosted <= 0 {
		return
	}
	promMetrics.creditUtilization.WithLabelValues(remoteAddr).Set(float64(numPosted) / float64(maxPosted))
}

// SetPendingDepth sets the per-connection pending-FIFO depth gauge.
func SetPendingDepth(remoteAddr string, depth int) {
	if promMetrics != nil {
		promMetrics.pendingDepth.WithLabelValues(remoteAddr).Set(float64(depth))
	}
}

// ObserveRRLatency records the creation-to-delivery latency for one RR.
func ObserveRRLatency(ms float64) {
	if promMetrics != nil {
		promMetrics.rrLatency.Observe(ms)
	}
}

// DeleteConnectionLabels removes the per-connection gauge series for a torn
// down connection so stale label sets do not accumulate.
func DeleteConnectionLabels(remoteAddr string) {
	if promMetrics == nil {
		return
	}
	promMetrics.creditUtilization.DeleteLabelValues(remoteAddr)
	promMetrics.pendingDepth.DeleteLabelValues(remoteAddr)
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for tests or custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
