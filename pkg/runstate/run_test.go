package runstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRecordCountsIterations(t *testing.T) {
	r := NewRun("id", "req", "p", "/ws", 5, epoch)
	rec := r.AppendRecord(PhaseRecord{Phase: PhasePlanning, Outcome: OutcomeOK, At: epoch})
	assert.Equal(t, 1, rec.Seq)
	r.AppendRecord(PhaseRecord{Phase: PhaseArchitecture, Outcome: OutcomeOK, At: epoch})

	assert.Equal(t, 2, r.Iteration)
	assert.Equal(t, 3, r.BudgetLeft())
	assert.Equal(t, 2, r.LastRecord().Seq)
	assert.Len(t, r.RecordsFor(PhasePlanning), 1)
	assert.Nil(t, r.LatestFor(PhaseVerification))
}

func TestReplayAndVerify(t *testing.T) {
	r := sampleRun("replay")
	phase, status := Replay(r)
	assert.Equal(t, PhaseCoding, phase)
	assert.Equal(t, StatusActive, status)
	require.NoError(t, Verify(r))

	r.Phase = PhaseVerification
	require.ErrorIs(t, Verify(r), ErrCorrupt)
}

func TestVerifyIterationMismatch(t *testing.T) {
	r := sampleRun("iter")
	r.Iteration = 7
	require.ErrorIs(t, Verify(r), ErrCorrupt)
}

func TestVerifyCompleteNeedsOKRecord(t *testing.T) {
	r := sampleRun("done")
	r.AppendRecord(PhaseRecord{Phase: PhaseVerification, Confidence: 95, Outcome: OutcomeRejected, At: epoch})
	r.Move(PhaseComplete, StatusComplete, "forced", epoch)
	require.ErrorIs(t, Verify(r), ErrCorrupt)
}

func TestVerifyPendingDebugWithinCap(t *testing.T) {
	r := sampleRun("debug-cap")
	r.MaxDebugCycles = 2
	r.PendingDebug = []DebugAttempt{{Seq: 1, Outcome: AttemptFailed}, {Seq: 2, Outcome: AttemptFailed}}
	require.NoError(t, Verify(r))

	r.MaxDebugCycles = 1
	require.ErrorIs(t, Verify(r), ErrCorrupt)

	// checkpoints without a persisted cap are not judged against one
	r.MaxDebugCycles = 0
	require.NoError(t, Verify(r))
}

func TestUnresolvedDebug(t *testing.T) {
	r := NewRun("id", "req", "p", "/ws", 5, epoch)
	assert.False(t, r.UnresolvedDebug())

	r.PendingDebug = []DebugAttempt{{Seq: 1, Outcome: AttemptFailed}}
	assert.True(t, r.UnresolvedDebug())

	r.PendingDebug = nil
	r.AppendRecord(PhaseRecord{Phase: PhaseDebugging, Outcome: OutcomeError, Attempts: []DebugAttempt{{Seq: 1, Outcome: AttemptFailed}}, At: epoch})
	assert.True(t, r.UnresolvedDebug())

	r.AppendRecord(PhaseRecord{Phase: PhaseDebugging, Outcome: OutcomeOK, Attempts: []DebugAttempt{{Seq: 1, Outcome: AttemptFailed}, {Seq: 2, Outcome: AttemptPassed}}, At: epoch})
	assert.False(t, r.UnresolvedDebug())
}

func TestProgress(t *testing.T) {
	r := NewRun("id", "req", "p", "/ws", 100, epoch)
	assert.InDelta(t, 10.0, r.Progress(), 0.001)

	r.Phase = PhaseVerification
	r.Iteration = 40
	assert.InDelta(t, 100.0, r.Progress(), 0.001)

	r.Phase = PhaseCoding
	r.Iteration = 3
	assert.InDelta(t, 41.5, r.Progress(), 0.001)

	r.Phase = PhaseComplete
	assert.InDelta(t, 100.0, r.Progress(), 0.001)
}

func TestTestResultSummary(t *testing.T) {
	var nilResult *TestResult
	assert.Equal(t, "no test result", nilResult.Summary())
	assert.Equal(t, "all tests passed", (&TestResult{Passed: true}).Summary())
	assert.Equal(t, "tests failed (exit 2)", (&TestResult{ExitCode: 2}).Summary())

	res := &TestResult{Diagnostics: []Diagnostic{
		{Kind: DiagTestFailure, Message: "test_add"},
		{Kind: DiagTestFailure, Message: "test_sub"},
	}}
	assert.Equal(t, "test_failure: test_add (+1 more)", res.Summary())
}

func TestMoveJournal(t *testing.T) {
	r := NewRun("id", "req", "p", "/ws", 5, epoch)
	r.Move(PhasePlanning, StatusPaused, "signal", epoch.Add(time.Second))
	r.Move(PhasePlanning, StatusActive, "resume", epoch.Add(2*time.Second))

	require.Len(t, r.Transitions, 2)
	assert.Equal(t, StatusPaused, r.Transitions[0].Status)
	assert.Equal(t, 2, r.Transitions[1].Seq)
	assert.Equal(t, StatusActive, r.Status)
}
