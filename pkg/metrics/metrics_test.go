package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequestCountsTokensOnSuccessOnly(t *testing.T) {
	r := New()

	r.ObserveRequest("m1", "coder", "success", "", 100, 40, time.Second)
	r.ObserveRequest("m1", "coder", "error", "transient", 0, 0, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("m1", "coder", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("m1", "coder", "error", "transient")))
	assert.Equal(t, 100.0, testutil.ToFloat64(r.tokensTotal.WithLabelValues("m1", "coder", "prompt")))
	assert.Equal(t, 40.0, testutil.ToFloat64(r.tokensTotal.WithLabelValues("m1", "coder", "completion")))
}

func TestPipelineCounters(t *testing.T) {
	r := New()

	r.ObservePhase("CODING", "ok")
	r.ObservePhase("CODING", "ok")
	r.ObservePhase("DEBUGGING", "error")
	r.ObserveRunStatus("COMPLETE")
	r.ObserveDebugAttempt("duplicate")
	r.ObserveTestRun(true, 2*time.Second)
	r.ObserveTestRun(false, time.Second)
	r.SetIterations("run-1", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.phasesTotal.WithLabelValues("CODING", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.phasesTotal.WithLabelValues("DEBUGGING", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("COMPLETE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.debugAttemptsTotal.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.testRunsTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.testRunsTotal.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.iterations.WithLabelValues("run-1")))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveRunStatus("FAILED")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.runsTotal.WithLabelValues("FAILED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.runsTotal.WithLabelValues("FAILED")))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObservePhase("PLANNING", "ok")
	r.ObserveQueueWait("m1", 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "nested", "buildloop.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# TYPE buildloop_phase_records_total counter")
	assert.Contains(t, text, `buildloop_phase_records_total{outcome="ok",phase="PLANNING"} 1`)
	assert.Contains(t, text, "buildloop_llm_queue_wait_duration_seconds_count")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".metrics-"), "temp file left behind: %s", e.Name())
	}
}
