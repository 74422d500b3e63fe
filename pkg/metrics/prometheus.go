// Package metrics provides Prometheus metrics for the tally scoring service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the tally service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	registry         prometheus.Registerer

	// Scoring pipeline
	submissions          *prometheus.CounterVec
	conflictsDetected    *prometheus.CounterVec
	conflictsResolved    *prometheus.CounterVec
	aggregations         *prometheus.CounterVec
	aggregationLatency   prometheus.Histogram
	insufficientData     prometheus.Counter
	autoFallbacks        prometheus.Counter
	clientLatency        prometheus.Histogram
	notifications        *prometheus.CounterVec
	dedupeCacheSize      prometheus.Gauge
	activeConflicts      prometheus.Gauge
	standingsComputation prometheus.Histogram

	// Real-time hub
	connections        *prometheus.GaugeVec
	broadcasts         *prometheus.CounterVec
	framesDropped      prometheus.Counter
	slowConsumers      prometheus.Counter
	rateLimited        prometheus.Counter
	inboundMessages    *prometheus.CounterVec
	outboundQueueDepth prometheus.Histogram

	// Shard queues and workers
	queueCapacity           prometheus.Gauge
	queueSize               *prometheus.GaugeVec
	queueUtilization        *prometheus.GaugeVec
	queueEnqueue            prometheus.Counter
	queueEnqueueErrors      prometheus.Counter
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Repository
	repositoryLatency *prometheus.HistogramVec
	repositoryRecords *prometheus.GaugeVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "tally",
		subsystem:        "scoring",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric definition
	m.submissions = m.counterVec("submissions_total", "Score submissions by outcome", "outcome")
	m.conflictsDetected = m.counterVec("conflicts_detected_total", "Conflicts detected by severity", "severity")
	m.conflictsResolved = m.counterVec("conflicts_resolved_total", "Conflicts settled by resolution method", "method")
	m.aggregations = m.counterVec("aggregations_total", "Aggregates computed by method", "method")
	m.aggregationLatency = m.histogram("aggregation_latency_milliseconds", "Time to compute one aggregate", m.histogramBuckets)
	m.insufficientData = m.counter("insufficient_data_total", "Aggregations skipped for too few judges")
	m.autoFallbacks = m.counter("auto_fallbacks_total", "Conflicts resolved by the deadline fallback")
	m.clientLatency = m.histogram("client_latency_milliseconds", "Server receipt time minus client timestamp",
		[]float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000})
	m.notifications = m.counterVec("notifications_total", "Notifications sent by kind and outcome", "kind", "outcome")
	m.dedupeCacheSize = m.gauge("dedupe_cache_size", "Client message ids remembered for replay protection")
	m.activeConflicts = m.gauge("active_conflicts", "Conflicts awaiting resolution")
	m.standingsComputation = m.histogram("standings_latency_milliseconds", "Time to rank a session", m.histogramBuckets)

	m.connections = m.gaugeVec("connections", "Live connections by role", "role")
	m.broadcasts = m.counterVec("broadcasts_total", "Broadcast messages by audience", "audience")
	m.framesDropped = m.counter("frames_dropped_total", "Outbound frames dropped on full connection queues")
	m.slowConsumers = m.counter("slow_consumer_disconnects_total", "Connections closed for lagging past the grace period")
	m.rateLimited = m.counter("rate_limited_total", "Inbound messages refused by the per-connection limiter")
	m.inboundMessages = m.counterVec("inbound_messages_total", "Inbound messages by type", "type")
	m.outboundQueueDepth = m.histogram("outbound_queue_depth", "Connection queue depth at enqueue",
		[]float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256})

	m.queueCapacity = m.gauge("queue_capacity", "Capacity of each shard queue")
	m.queueSize = m.gaugeVec("queue_size", "Jobs waiting per shard", "shard")
	m.queueUtilization = m.gaugeVec("queue_utilization_ratio", "Shard queue fill ratio", "shard")
	m.queueEnqueue = m.counter("queue_enqueue_total", "Jobs accepted by shard queues")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Jobs refused by full or closed shard queues")
	m.workerCount = m.gauge("worker_count", "Single-writer shards running")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Time spent running one job", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Jobs that returned an error")

	m.repositoryLatency = m.histogramVec("repository_latency_milliseconds", "Store operation latency",
		m.histogramBuckets, "store", "op")
	m.repositoryRecords = m.gaugeVec("repository_records", "Records held by kind", "kind")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration",
		m.histogramBuckets, "endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component and type",
		"component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

func on() bool { return globalManager != nil && globalManager.enabled }

// RecordSubmission counts a submission outcome (accepted, rejected, duplicate, unchanged, backpressure).
func RecordSubmission(outcome string) {
	if on() {
		globalManager.submissions.WithLabelValues(outcome).Inc()
	}
}

// RecordConflictDetected counts a new or escalated-in-place conflict.
func RecordConflictDetected(severity string) {
	if on() {
		globalManager.conflictsDetected.WithLabelValues(severity).Inc()
	}
}

// RecordConflictResolved counts a settled conflict.
func RecordConflictResolved(method string) {
	if on() {
		globalManager.conflictsResolved.WithLabelValues(method).Inc()
	}
}

// RecordAggregation counts an aggregate and its latency in milliseconds.
func RecordAggregation(method string, latencyMs float64) {
	if on() {
		globalManager.aggregations.WithLabelValues(method).Inc()
		globalManager.aggregationLatency.Observe(latencyMs)
	}
}

// RecordInsufficientData counts aggregations attempted with too few judges.
func RecordInsufficientData() {
	if on() {
		globalManager.insufficientData.Inc()
	}
}

// RecordAutoFallback counts a deadline fallback firing.
func RecordAutoFallback() {
	if on() {
		globalManager.autoFallbacks.Inc()
	}
}

// RecordClientLatency observes receipt delay against the client clock.
func RecordClientLatency(latencyMs float64) {
	if on() && latencyMs >= 0 {
		globalManager.clientLatency.Observe(latencyMs)
	}
}

// RecordNotification counts an outbound notification.
func RecordNotification(kind, outcome string) {
	if on() {
		globalManager.notifications.WithLabelValues(kind, outcome).Inc()
	}
}

// UpdateDedupeCacheSize sets the replay cache size.
func UpdateDedupeCacheSize(size int) {
	if on() {
		globalManager.dedupeCacheSize.Set(float64(size))
	}
}

// AddActiveConflicts moves the active conflict gauge by delta.
func AddActiveConflicts(delta int) {
	if on() {
		globalManager.activeConflicts.Add(float64(delta))
	}
}

// RecordStandingsLatency observes time spent ranking a session.
func RecordStandingsLatency(latencyMs float64) {
	if on() {
		globalManager.standingsComputation.Observe(latencyMs)
	}
}

// ConnectionOpened increments live connections for role.
func ConnectionOpened(role string) {
	if on() {
		globalManager.connections.WithLabelValues(role).Inc()
	}
}

// ConnectionClosed decrements live connections for role.
func ConnectionClosed(role string) {
	if on() {
		globalManager.connections.WithLabelValues(role).Dec()
	}
}

// RecordBroadcast counts a broadcast to audience.
func RecordBroadcast(audience string) {
	if on() {
		globalManager.broadcasts.WithLabelValues(audience).Inc()
	}
}

// RecordFrameDropped counts a frame dropped for a full connection queue.
func RecordFrameDropped() {
	if on() {
		globalManager.framesDropped.Inc()
	}
}

// RecordSlowConsumerDisconnect counts a lagging connection closed by the hub.
func RecordSlowConsumerDisconnect() {
	if on() {
		globalManager.slowConsumers.Inc()
	}
}

// RecordRateLimited counts a refused inbound message.
func RecordRateLimited() {
	if on() {
		globalManager.rateLimited.Inc()
	}
}

// RecordInboundMessage counts an inbound message by type.
func RecordInboundMessage(msgType string) {
	if on() {
		globalManager.inboundMessages.WithLabelValues(msgType).Inc()
	}
}

// RecordOutboundQueueDepth observes a connection queue depth.
func RecordOutboundQueueDepth(depth int) {
	if on() {
		globalManager.outboundQueueDepth.Observe(float64(depth))
	}
}

// UpdateQueueCapacity sets the per-shard queue capacity.
func UpdateQueueCapacity(capacity int) {
	if on() {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

// UpdateQueueSize sets the backlog of a shard.
func UpdateQueueSize(shard string, size int) {
	if on() {
		globalManager.queueSize.WithLabelValues(shard).Set(float64(size))
	}
}

// UpdateQueueUtilization sets the fill ratio of a shard.
func UpdateQueueUtilization(shard string, utilization float64) {
	if on() {
		globalManager.queueUtilization.WithLabelValues(shard).Set(utilization)
	}
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if on() {
		globalManager.queueEnqueue.Inc()
	}
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	if on() {
		globalManager.queueEnqueueErrors.Inc()
	}
}

// UpdateWorkerCount sets the number of running shards.
func UpdateWorkerCount(count int) {
	if on() {
		globalManager.workerCount.Set(float64(count))
	}
}

// RecordWorkerProcessingLatency records job latency in milliseconds.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if on() {
		globalManager.workerProcessingLatency.Observe(latencyMs)
	}
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	if on() {
		globalManager.workerErrors.Inc()
	}
}

// RecordRepositoryLatency records a store operation latency in milliseconds.
func RecordRepositoryLatency(store, op string, latencyMs float64) {
	if on() {
		globalManager.repositoryLatency.WithLabelValues(store, op).Observe(latencyMs)
	}
}

// UpdateRepositoryRecords sets the record count for kind.
func UpdateRepositoryRecords(kind string, count int) {
	if on() {
		globalManager.repositoryRecords.WithLabelValues(kind).Set(float64(count))
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if on() {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if on() {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	if on() {
		globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if on() {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if on() {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
