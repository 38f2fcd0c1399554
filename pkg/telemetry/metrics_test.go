package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetricsConfig() MetricsConfig {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	return cfg
}

func TestMetrics_RecordMissionLifecycle(t *testing.T) {
	m, err := NewMetrics(testMetricsConfig())
	require.NoError(t, err)

	m.RecordMissionSubmitted("parallel")
	m.RecordMissionStarted()
	m.RecordMissionCompleted("succeeded", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.missionsSubmitted.WithLabelValues("parallel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.missionsCompleted.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeMissions))
}

func TestMetrics_RecordStepAndRecovery(t *testing.T) {
	m, err := NewMetrics(testMetricsConfig())
	require.NoError(t, err)

	m.RecordStepExecution("edge", "failed", 3, time.Second)
	m.RecordFailure("network", "medium")
	m.RecordRollback("partial")
	m.RecordRegionOutcome("canary", "skipped")
	m.RecordError("CIRCULAR_DEPENDENCY")
	m.RecordError("")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsExecuted.WithLabelValues("edge", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresByCategory.WithLabelValues("network", "medium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.regionOutcomes.WithLabelValues("canary", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.errorsByCode))
}

func TestMetrics_DisabledAndNilAreNoops(t *testing.T) {
	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	var nilMetrics *Metrics
	for _, m := range []*Metrics{disabled, nilMetrics} {
		assert.NotPanics(t, func() {
			m.RecordMissionSubmitted("sequential")
			m.RecordMissionStarted()
			m.RecordMissionCompleted("failed", time.Second)
			m.RecordStepExecution("edge", "succeeded", 1, time.Second)
			m.RecordFailure("system", "critical")
			m.RecordRollback("complete")
			m.RecordRegionOutcome("parallel", "completed")
			m.RecordRollout("parallel", true, time.Second)
			m.SetQueuedMissions(3)
		})
		assert.Nil(t, m.Registry())
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(testMetricsConfig())
	require.NoError(t, err)
	m.SetQueuedMissions(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "missionctl_queued_missions 4"))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 2
	assert.Error(t, cfg.Validate())
}
