package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for outreachd
type Metrics struct {
	// Send outcome counters
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesSkippedTotal  *prometheus.CounterVec
	MessagesDeferredTotal *prometheus.CounterVec
	MessagesRetriedTotal  prometheus.Counter

	// Quota counters
	QuotaDeniedTotal *prometheus.CounterVec

	// Acceptance polling
	AcceptancesTotal prometheus.Counter
	DeclinesTotal    prometheus.Counter
	RepliesTotal     prometheus.Counter

	// Queue gauges
	QueuePending    prometheus.Gauge
	QueueProcessing prometheus.Gauge
	QueueFailed     prometheus.Gauge

	// Provider counters
	ProviderRequestsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_messages_sent_total",
				Help: "Total number of successfully sent messages",
			},
			[]string{"message_type"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_messages_failed_total",
				Help: "Total number of permanently failed sends",
			},
			[]string{"reason"},
		),
		MessagesSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_messages_skipped_total",
				Help: "Total number of sends skipped by duplicate or ownership rules",
			},
			[]string{"reason"},
		),
		MessagesDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_messages_deferred_total",
				Help: "Total number of sends deferred to a later window",
			},
			[]string{"reason"},
		),
		MessagesRetriedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreachd_messages_retried_total",
				Help: "Total number of sends requeued after a transient failure",
			},
		),

		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_quota_denied_total",
				Help: "Total number of sends denied by a quota limit",
			},
			[]string{"scope"},
		),

		AcceptancesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreachd_acceptances_total",
				Help: "Total number of detected connection acceptances",
			},
		),
		DeclinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreachd_declines_total",
				Help: "Total number of detected connection declines",
			},
		),
		RepliesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreachd_replies_total",
				Help: "Total number of detected prospect replies",
			},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreachd_queue_pending",
				Help: "Number of queue items waiting to be dispatched",
			},
		),
		QueueProcessing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreachd_queue_processing",
				Help: "Number of queue items currently claimed by a worker",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreachd_queue_failed",
				Help: "Number of failed queue items",
			},
		),

		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_provider_requests_total",
				Help: "Total number of provider API calls",
			},
			[]string{"operation", "outcome"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreachd_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreachd_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreachd_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreachd_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreachd_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.MessagesDeferredTotal,
		m.MessagesRetriedTotal,
		m.QuotaDeniedTotal,
		m.AcceptancesTotal,
		m.DeclinesTotal,
		m.RepliesTotal,
		m.QueuePending,
		m.QueueProcessing,
		m.QueueFailed,
		m.ProviderRequestsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(messageType string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(messageType).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(reason string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncMessagesSkipped increments the skipped message counter
func IncMessagesSkipped(reason string) {
	m := Global()
	if m != nil {
		m.MessagesSkippedTotal.WithLabelValues(reason).Inc()
	}
}

// IncMessagesDeferred increments the deferred message counter
func IncMessagesDeferred(reason string) {
	m := Global()
	if m != nil {
		m.MessagesDeferredTotal.WithLabelValues(reason).Inc()
	}
}

// IncMessagesRetried increments the retried message counter
func IncMessagesRetried() {
	m := Global()
	if m != nil {
		m.MessagesRetriedTotal.Inc()
	}
}

// IncQuotaDenied increments the quota denial counter
func IncQuotaDenied(scope string) {
	m := Global()
	if m != nil {
		m.QuotaDeniedTotal.WithLabelValues(scope).Inc()
	}
}

// IncAcceptances increments the acceptance counter
func IncAcceptances() {
	m := Global()
	if m != nil {
		m.AcceptancesTotal.Inc()
	}
}

// IncDeclines increments the decline counter
func IncDeclines() {
	m := Global()
	if m != nil {
		m.DeclinesTotal.Inc()
	}
}

// IncReplies increments the reply counter
func IncReplies() {
	m := Global()
	if m != nil {
		m.RepliesTotal.Inc()
	}
}

// IncProviderRequests increments the provider call counter
func IncProviderRequests(operation, outcome string) {
	m := Global()
	if m != nil {
		m.ProviderRequestsTotal.WithLabelValues(operation, outcome).Inc()
	}
}

// IncAPIErrors increments the API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
