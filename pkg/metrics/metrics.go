// Package metrics keeps Prometheus instruments for model calls and pipeline progress.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "buildloop"

// Registry owns a private Prometheus registry and every instrument the
// orchestrator records into. It satisfies the recorder interfaces of the
// actor middleware and the pipeline.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueWaitTime   *prometheus.HistogramVec

	phasesTotal        *prometheus.CounterVec
	runsTotal          *prometheus.CounterVec
	debugAttemptsTotal *prometheus.CounterVec
	testRunsTotal      *prometheus.CounterVec
	testDuration       prometheus.Histogram
	iterations         *prometheus.GaugeVec
}

// New creates a registry with all instruments registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of model requests by model, role, status and error type",
			},
			[]string{"model", "role", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total number of tokens used in model requests",
			},
			[]string{"model", "role", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Duration of model requests in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "role"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_queue_wait_duration_seconds",
				Help:      "Time spent waiting for rate limit availability",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		phasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_records_total",
				Help:      "Phase records appended, by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Runs that reached a status, by status",
			},
			[]string{"status"},
		),
		debugAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "debug_attempts_total",
				Help:      "Debug attempts by outcome",
			},
			[]string{"outcome"},
		),
		testRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "test_runs_total",
				Help:      "Sandbox test executions by result",
			},
			[]string{"result"},
		),
		testDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "test_run_duration_seconds",
				Help:      "Duration of sandbox test executions",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		iterations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_iterations",
				Help:      "Iterations consumed by each run",
			},
			[]string{"run_id"},
		),
	}
}

// Prometheus exposes the underlying registry, e.g. for an HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// ObserveRequest records a completed model request.
func (r *Registry) ObserveRequest(model, role, status, errorType string, promptTokens, completionTokens int, duration time.Duration) {
	r.requestsTotal.WithLabelValues(model, role, status, errorType).Inc()
	if status == "success" {
		r.tokensTotal.WithLabelValues(model, role, "prompt").Add(float64(promptTokens))
		r.tokensTotal.WithLabelValues(model, role, "completion").Add(float64(completionTokens))
	}
	r.requestDuration.WithLabelValues(model, role).Observe(duration.Seconds())
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (r *Registry) ObserveQueueWait(model string, d time.Duration) {
	r.queueWaitTime.WithLabelValues(model).Observe(d.Seconds())
}

// ObservePhase counts an appended phase record.
func (r *Registry) ObservePhase(phase, outcome string) {
	r.phasesTotal.WithLabelValues(phase, outcome).Inc()
}

// ObserveRunStatus counts a run reaching status.
func (r *Registry) ObserveRunStatus(status string) {
	r.runsTotal.WithLabelValues(status).Inc()
}

// ObserveDebugAttempt counts one debug attempt.
func (r *Registry) ObserveDebugAttempt(outcome string) {
	r.debugAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTestRun records one sandbox execution.
func (r *Registry) ObserveTestRun(passed bool, duration time.Duration) {
	result := "failed"
	if passed {
		result = "passed"
	}
	r.testRunsTotal.WithLabelValues(result).Inc()
	r.testDuration.Observe(duration.Seconds())
}

// SetIterations publishes the iteration count of a run.
func (r *Registry) SetIterations(runID string, n int) {
	r.iterations.WithLabelValues(runID).Set(float64(n))
}

// WriteTextfile writes every gathered family in the Prometheus text format,
// replacing path atomically so a node_exporter textfile collector never sees
// a partial file.
func (r *Registry) WriteTextfile(path string) error {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*.prom")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode metric family %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metrics file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename metrics file: %w", err)
	}
	return nil
}
