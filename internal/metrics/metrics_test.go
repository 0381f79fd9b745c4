package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage("motion", 4, 20*time.Millisecond, nil)
	m.ObserveStage("motion", 4, 30*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 8.0, testutil.ToFloat64(m.units.WithLabelValues("motion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("motion")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("preprocess", 1, time.Second, nil)
	m.JobFinished("flow", nil)
	m.ArtifactWritten("flow")
	m.MirrorUpload(nil)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.JobFinished("flow", nil)
	m.ArtifactWritten("flow")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `cellflow_jobs_total{status="completed",type="flow"} 1`), body)
	assert.Contains(t, body, `cellflow_artifacts_written_total{kind="flow"} 1`)
}
