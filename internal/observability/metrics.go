// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and health probes for the oversight engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the oversight engine.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Request lifecycle metrics.
	RequestsCreatedTotal *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	DecisionsTotal       *prometheus.CounterVec
	EscalationsTotal     *prometheus.CounterVec
	PendingRequests      prometheus.Gauge
	ResolutionDuration   *prometheus.HistogramVec

	// Policy evaluation metrics.
	TriggersFiredTotal *prometheus.CounterVec

	// Notification metrics.
	NotificationSendsTotal *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Resilience metrics.
	BreakerState *prometheus.GaugeVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RequestsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "oversight",
			Name:      "requests_created_total",
			Help:      "Total oversight requests created.",
		}, []string{"priority"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "oversight",
			Name:      "transitions_total",
			Help:      "Total request status transitions.",
		}, []string{"from", "to"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "oversight",
			Name:      "decisions_total",
			Help:      "Total approver decisions recorded.",
		}, []string{"decision"}),

		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "oversight",
			Name:      "escalations_total",
			Help:      "Total escalations, by cause.",
		}, []string{"cause"}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradegate",
			Subsystem: "oversight",
			Name:      "pending_requests",
			Help:      "Requests currently awaiting decisions.",
		}),

		ResolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradegate",
			Subsystem: "oversight",
			Name:      "resolution_duration_seconds",
			Help:      "Time from request creation to terminal resolution.",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 14400, 43200, 86400},
		}, []string{"status"}),

		TriggersFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "policy",
			Name:      "triggers_fired_total",
			Help:      "Total policy triggers fired during evaluation.",
		}, []string{"type", "severity"}),

		NotificationSendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "notification",
			Name:      "sends_total",
			Help:      "Total notification send attempts.",
		}, []string{"channel", "status"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "execution",
			Name:      "executions_total",
			Help:      "Total trade executions after approval.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradegate",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Trade execution callback duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tradegate",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"dependency"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradegate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.RequestsCreatedTotal,
		m.TransitionsTotal,
		m.DecisionsTotal,
		m.EscalationsTotal,
		m.PendingRequests,
		m.ResolutionDuration,
		m.TriggersFiredTotal,
		m.NotificationSendsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.BreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// SetBreakerState maps a breaker state name onto the gauge.
func (m *MetricsCollector) SetBreakerState(dependency, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(dependency).Set(v)
}
