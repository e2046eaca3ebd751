package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for orchestration runs. A nil
// *Metrics (or one created with Enabled=false) is a no-op, so callers
// instrument unconditionally.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	unitsCompleted *prometheus.CounterVec
	unitDuration   *prometheus.HistogramVec
	unitRetries    *prometheus.CounterVec

	errorsByCode  *prometheus.CounterVec
	verifyResults *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of orchestration runs started",
			},
			[]string{"policy"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of orchestration runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Orchestration run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		unitsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_completed_total",
				Help:      "Deployment units completed, by kind, environment and status",
			},
			[]string{"kind", "environment", "status"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Deployment unit execution duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"kind"},
		),
		unitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_retries_total",
				Help:      "Retry attempts made by deployment units",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Classified errors observed, by code",
			},
			[]string{"code"},
		),
		verifyResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verify_results_total",
				Help:      "Post-deployment verification results, by status",
			},
			[]string{"status"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.unitsCompleted, m.unitDuration, m.unitRetries,
		m.errorsByCode, m.verifyResults,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RunStarted records a run start.
func (m *Metrics) RunStarted(policy string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(policy).Inc()
}

// RunCompleted records a run completion with its duration.
func (m *Metrics) RunCompleted(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// UnitCompleted records one terminal unit outcome.
func (m *Metrics) UnitCompleted(kind, environment, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.unitsCompleted.WithLabelValues(kind, environment, status).Inc()
	if d > 0 {
		m.unitDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// UnitRetries records retry attempts made by a unit.
func (m *Metrics) UnitRetries(kind string, retries int) {
	if m == nil {
		return
	}
	m.unitRetries.WithLabelValues(kind).Add(float64(retries))
}

// ErrorObserved records a classified error by code.
func (m *Metrics) ErrorObserved(code string) {
	if m == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// VerifyObserved records a verification result.
func (m *Metrics) VerifyObserved(status string) {
	if m == nil {
		return
	}
	m.verifyResults.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler exposing the registry, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
