// Package metrics provides Prometheus metrics for ebreplay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ebreplay"

// Metrics holds all Prometheus metrics for ebreplay.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionsActive  prometheus.Gauge
	ExecutionDuration prometheus.Histogram
	TransitionsTotal  *prometheus.CounterVec
	WaitSeconds       prometheus.Histogram

	// Publish metrics
	PublishTotal        *prometheus.CounterVec
	PublishDuration     prometheus.Histogram
	CircuitBreakerState *prometheus.GaugeVec

	// Sink metrics
	SinkRecordsTotal *prometheus.CounterVec

	// Trigger metrics
	TriggersTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of replay executions by terminal state.",
		}, []string{"state", "error_kind"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Number of replay executions that have not reached a terminal state.",
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Replay execution duration in seconds, including the wait.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 18), // 0.1s to ~3.6h
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of execution state transitions by target state.",
		}, []string{"state"}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Computed wait before re-publishing, in seconds.",
			Buckets:   []float64{0, 1, 5, 15, 30, 60, 300, 900, 3600, 86400},
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of publish calls by result.",
		}, []string{"bus", "result"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Publish call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Publish circuit breaker state per bus (0 = closed, 1 = open, 2 = half-open).",
		}, []string{"bus"}),
		SinkRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_records_total",
			Help:      "Total number of observability records by destination and status.",
		}, []string{"destination", "status"}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Total number of replay triggers received by intake and result.",
		}, []string{"intake", "result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionsActive,
		m.ExecutionDuration,
		m.TransitionsTotal,
		m.WaitSeconds,
		m.PublishTotal,
		m.PublishDuration,
		m.CircuitBreakerState,
		m.SinkRecordsTotal,
		m.TriggersTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ExecutionStarted increments the active gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsActive.Inc()
}

// ExecutionParked decrements the active gauge for an execution left
// at a persisted boundary by shutdown.
func (m *Metrics) ExecutionParked() {
	if m == nil {
		return
	}
	m.ExecutionsActive.Dec()
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(state, errorKind string, duration float64) {
	if m == nil {
		return
	}
	m.ExecutionsActive.Dec()
	m.ExecutionsTotal.WithLabelValues(state, errorKind).Inc()
	m.ExecutionDuration.Observe(duration)
}

// RecordTransition records a state change.
func (m *Metrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(state).Inc()
}

// RecordWait records a computed wait decision.
func (m *Metrics) RecordWait(seconds int) {
	if m == nil {
		return
	}
	m.WaitSeconds.Observe(float64(seconds))
}

// RecordPublish records a publish call.
func (m *Metrics) RecordPublish(bus, result string, duration float64) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(bus, result).Inc()
	m.PublishDuration.Observe(duration)
}

// SetCircuitState records the circuit breaker state for a bus.
func (m *Metrics) SetCircuitState(bus string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(bus).Set(float64(state))
}

// RecordSink records an observability record delivery.
func (m *Metrics) RecordSink(destination string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SinkRecordsTotal.WithLabelValues(destination, status).Inc()
}

// RecordTrigger records a trigger received by an intake.
func (m *Metrics) RecordTrigger(intake, result string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(intake, result).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
