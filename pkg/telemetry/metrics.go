package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for missionctl.
// A nil *Metrics and a disabled instance are both valid no-ops.
type Metrics struct {
	config MetricsConfig

	// Mission metrics
	missionsSubmitted *prometheus.CounterVec
	missionsCompleted *prometheus.CounterVec
	missionDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.HistogramVec

	// Recovery metrics
	failuresByCategory *prometheus.CounterVec
	rollbacks          *prometheus.CounterVec

	// Rollout metrics
	regionOutcomes  *prometheus.CounterVec
	rolloutDuration *prometheus.HistogramVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeMissions prometheus.Gauge
	queuedMissions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Mission metrics
		missionsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "missions_submitted_total",
				Help:      "Total number of missions submitted",
			},
			[]string{"strategy"},
		),
		missionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "missions_completed_total",
				Help:      "Total number of missions that reached a final state",
			},
			[]string{"status"},
		),
		missionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mission_duration_seconds",
				Help:      "Duration of mission execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Step metrics
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"component_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds, including retries",
				Buckets:   buckets,
			},
			[]string{"component_type"},
		),
		stepAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_attempts",
				Help:      "Number of adapter attempts per step",
				Buckets:   []float64{1, 2, 3, 5, 8, 13},
			},
			[]string{"component_type"},
		),

		// Recovery metrics
		failuresByCategory: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_by_category_total",
				Help:      "Total number of classified failures",
			},
			[]string{"category", "severity"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback runs by outcome",
			},
			[]string{"status"},
		),

		// Rollout metrics
		regionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "region_outcomes_total",
				Help:      "Total number of region deployments by strategy and final status",
			},
			[]string{"strategy", "status"},
		),
		rolloutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollout_duration_seconds",
				Help:      "Duration of multi-region rollouts in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy", "success"},
		),

		// Error metrics
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of engine errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeMissions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_missions",
				Help:      "Current number of missions owned by a worker",
			},
		),
		queuedMissions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_missions",
				Help:      "Current number of queued missions and rollouts",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.missionsSubmitted,
		m.missionsCompleted,
		m.missionDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepAttempts,
		m.failuresByCategory,
		m.rollbacks,
		m.regionOutcomes,
		m.rolloutDuration,
		m.errorsByCode,
		m.activeMissions,
		m.queuedMissions,
	)

	return m, nil
}

// Mission Metrics

// RecordMissionSubmitted increments the counter for submitted missions.
func (m *Metrics) RecordMissionSubmitted(strategy string) {
	if m == nil || m.missionsSubmitted == nil {
		return
	}
	m.missionsSubmitted.WithLabelValues(strategy).Inc()
}

// RecordMissionStarted marks a mission as owned by a worker.
func (m *Metrics) RecordMissionStarted() {
	if m == nil || m.activeMissions == nil {
		return
	}
	m.activeMissions.Inc()
}

// RecordMissionCompleted records a finished mission with its status and duration.
func (m *Metrics) RecordMissionCompleted(status string, duration time.Duration) {
	if m == nil || m.missionsCompleted == nil {
		return
	}
	m.missionsCompleted.WithLabelValues(status).Inc()
	m.missionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeMissions.Dec()
}

// Step Metrics

// RecordStepExecution records the final result of a step.
func (m *Metrics) RecordStepExecution(componentType, status string, attempts int, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(componentType, status).Inc()
	m.stepDuration.WithLabelValues(componentType).Observe(duration.Seconds())
	m.stepAttempts.WithLabelValues(componentType).Observe(float64(attempts))
}

// Recovery Metrics

// RecordFailure records a classified failure.
func (m *Metrics) RecordFailure(category, severity string) {
	if m == nil || m.failuresByCategory == nil {
		return
	}
	m.failuresByCategory.WithLabelValues(category, severity).Inc()
}

// RecordRollback records the outcome of a rollback run.
func (m *Metrics) RecordRollback(status string) {
	if m == nil || m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(status).Inc()
}

// Rollout Metrics

// RecordRegionOutcome records the final status of one region in a rollout.
func (m *Metrics) RecordRegionOutcome(strategy, status string) {
	if m == nil || m.regionOutcomes == nil {
		return
	}
	m.regionOutcomes.WithLabelValues(strategy, status).Inc()
}

// RecordRollout records a finished rollout.
func (m *Metrics) RecordRollout(strategy string, success bool, duration time.Duration) {
	if m == nil || m.rolloutDuration == nil {
		return
	}
	m.rolloutDuration.WithLabelValues(strategy, fmt.Sprintf("%t", success)).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an engine error by code.
func (m *Metrics) RecordError(errorCode string) {
	if m == nil || m.errorsByCode == nil || errorCode == "" {
		return
	}
	m.errorsByCode.WithLabelValues(errorCode).Inc()
}

// System Metrics

// SetQueuedMissions sets the current queue depth.
func (m *Metrics) SetQueuedMissions(count float64) {
	if m == nil || m.queuedMissions == nil {
		return
	}
	m.queuedMissions.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the private Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer starts an HTTP server to expose metrics and, at
// HealthPath, the result of health. A nil health always reports ok.
// The returned server can be shut down by the caller; it is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger, health HealthChecker) (*http.Server, error) {
	if m == nil || !m.config.Enabled {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	mux.Handle(HealthPath, HealthHandler(health, logger))

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return server, nil
}
