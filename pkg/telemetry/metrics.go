package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for restore runs. A disabled instance
// is a safe no-op.
type Metrics struct {
	config MetricsConfig

	restoresStarted   *prometheus.CounterVec
	restoresCompleted *prometheus.CounterVec
	restoreDuration   *prometheus.HistogramVec

	rollbackActions *prometheus.CounterVec
	waitDuration    *prometheus.HistogramVec
	throttleRetries prometheus.Counter
	activeRestores  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "openrestore"
	}
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		restoresStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restores_started_total",
				Help:      "Total number of restore runs started",
			},
			[]string{"kind"},
		),
		restoresCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restores_completed_total",
				Help:      "Total number of restore runs completed, by terminal status",
			},
			[]string{"kind", "status"},
		),
		restoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "restore_duration_seconds",
				Help:      "Restore run duration in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		rollbackActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_actions_total",
				Help:      "Compensating actions executed during unwind, by result",
			},
			[]string{"result"},
		),
		waitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wait_duration_seconds",
				Help:      "Time spent polling cloud resource state transitions",
				Buckets:   buckets,
			},
			[]string{"resource"},
		),
		throttleRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_retries_total",
				Help:      "Cloud API calls retried after throttling responses",
			},
		),
		activeRestores: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_restores",
				Help:      "Restore runs currently in progress",
			},
		),
	}

	registry.MustRegister(
		m.restoresStarted,
		m.restoresCompleted,
		m.restoreDuration,
		m.rollbackActions,
		m.waitDuration,
		m.throttleRetries,
		m.activeRestores,
	)

	return m
}

// Enabled reports whether metrics collection is on.
func (m *Metrics) Enabled() bool { return m != nil && m.config.Enabled }

// RestoreStarted records the start of a restore run.
func (m *Metrics) RestoreStarted(kind string) {
	if !m.Enabled() {
		return
	}
	m.restoresStarted.WithLabelValues(kind).Inc()
	m.activeRestores.Inc()
}

// RestoreCompleted records the terminal status and duration of a run.
func (m *Metrics) RestoreCompleted(kind, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.restoresCompleted.WithLabelValues(kind, status).Inc()
	m.restoreDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.activeRestores.Dec()
}

// RollbackAction records one executed compensating action.
func (m *Metrics) RollbackAction(succeeded bool) {
	if !m.Enabled() {
		return
	}
	result := "succeeded"
	if !succeeded {
		result = "failed"
	}
	m.rollbackActions.WithLabelValues(result).Inc()
}

// WaitObserved records the duration of one completed polling wait.
func (m *Metrics) WaitObserved(resource string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.waitDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// ThrottleRetry records one retry after a throttling response.
func (m *Metrics) ThrottleRetry() {
	if !m.Enabled() {
		return
	}
	m.throttleRetries.Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
