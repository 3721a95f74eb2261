package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"buildloop/pkg/runstate"
)

func runWith(confidence int, outcome runstate.Outcome, test *runstate.TestResult) *runstate.Run {
	run := runstate.NewRun("r", "req", "p", "/w", 10, time.Now())
	run.AppendRecord(runstate.PhaseRecord{Phase: runstate.PhaseVerification, Confidence: confidence, Outcome: outcome})
	run.LastTest = test
	return run
}

func passing() *runstate.TestResult { return &runstate.TestResult{Passed: true} }

func failing() *runstate.TestResult {
	return &runstate.TestResult{Diagnostics: []runstate.Diagnostic{{Kind: runstate.DiagTestFailure, Message: "test_x"}}}
}

func TestAccept(t *testing.T) {
	d := New(90).Evaluate(runWith(90, runstate.OutcomeOK, passing()), nil)
	assert.True(t, d.Accept)
	assert.Empty(t, d.Reason())
}

func TestRejectsLowConfidenceEvenWhenTestsPass(t *testing.T) {
	for _, c := range []int{0, 50, 89} {
		d := New(90).Evaluate(runWith(c, runstate.OutcomeOK, passing()), nil)
		assert.False(t, d.Accept, c)
		assert.Equal(t, RouteTesting, d.Route)
		assert.Contains(t, d.Reason(), "below threshold")
	}
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name   string
		run    func() *runstate.Run
		issues []string
		want   Route
	}{
		{
			name: "failing tests go to debugging",
			run:  func() *runstate.Run { return runWith(95, runstate.OutcomeOK, failing()) },
			want: RouteDebugging,
		},
		{
			name:   "verifier issues go to debugging",
			run:    func() *runstate.Run { return runWith(95, runstate.OutcomeRejected, passing()) },
			issues: []string{"missing: auth"},
			want:   RouteDebugging,
		},
		{
			name: "rejected verdict without findings retests",
			run:  func() *runstate.Run { return runWith(95, runstate.OutcomeRejected, passing()) },
			want: RouteTesting,
		},
		{
			name: "no test result retests",
			run:  func() *runstate.Run { return runWith(95, runstate.OutcomeOK, nil) },
			want: RouteTesting,
		},
		{
			name: "unresolved debug attempt",
			run: func() *runstate.Run {
				r := runWith(95, runstate.OutcomeOK, passing())
				r.PendingDebug = []runstate.DebugAttempt{{Seq: 1, Outcome: runstate.AttemptFailed}}
				return r
			},
			want: RouteDebugging,
		},
		{
			name: "exhausted budget fails",
			run: func() *runstate.Run {
				r := runWith(10, runstate.OutcomeOK, failing())
				r.MaxIterations = 1
				return r
			},
			want: RouteFail,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(90).Evaluate(tt.run(), tt.issues)
			assert.False(t, d.Accept)
			assert.Equal(t, tt.want, d.Route)
		})
	}
}

func TestNoRecord(t *testing.T) {
	run := runstate.NewRun("r", "req", "p", "/w", 10, time.Now())
	run.LastTest = passing()
	d := New(90).Evaluate(run, nil)
	assert.False(t, d.Accept)
	assert.Contains(t, d.Reason(), "no phase record")
}
