package debugcycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/mocks"
	"buildloop/pkg/actor"
	"buildloop/pkg/runstate"
)

func newRun() *runstate.Run {
	return runstate.NewRun("run-1", "sum two numbers", "sum", "/tmp/sum", 20, time.Unix(1700000000, 0))
}

type fixture struct {
	gw   *mocks.FakeGateway
	sb   *mocks.FakeSandbox
	repo *mocks.FakeRepository
	ctrl *Controller
}

func newFixture(t *testing.T, maxCycles int) *fixture {
	t.Helper()
	f := &fixture{
		gw:   mocks.NewFakeGateway(),
		sb:   mocks.NewFakeSandbox(),
		repo: mocks.NewFakeRepository(t.TempDir()),
	}
	f.ctrl = New(f.gw, f.sb, f.repo, Config{MaxCycles: maxCycles, SchemaRetries: 3})
	return f
}

func TestFixedOnFirstPassingRound(t *testing.T) {
	f := newFixture(t, 5)
	f.gw.Script(actor.RoleDebugger,
		mocks.GatewayStep{Content: mocks.DebugReply(70, "wrong operator", "calc.py", "a - b")},
		mocks.GatewayStep{Content: mocks.DebugReply(85, "use addition", "calc.py", "a + b")},
	)
	f.sb.Queue(mocks.FailingResult("test_add", "assert -1 == 3"), mocks.PassingResult())

	run := newRun()
	saves := 0
	var observed []runstate.AttemptOutcome
	res, err := f.ctrl.Run(context.Background(), run, mocks.FailingResult("test_add", "assert 0 == 3"), Hooks{
		Checkpoint: func(context.Context, *runstate.Run) error { saves++; return nil },
		OnAttempt:  func(a runstate.DebugAttempt) { observed = append(observed, a.Outcome) },
	})
	require.NoError(t, err)

	assert.Equal(t, Fixed, res.Outcome)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, []runstate.AttemptOutcome{runstate.AttemptFailed, runstate.AttemptPassed}, observed)
	assert.Equal(t, 85, res.Confidence)
	assert.Equal(t, 2, saves)
	assert.True(t, run.LastTest.Passed)
	assert.Equal(t, 1, run.Stats.BugsFixed)
	assert.Equal(t, 2, run.Stats.DebugCycles)

	content, _ := f.repo.File("calc.py")
	assert.Equal(t, "a + b", content)
	assert.NotEmpty(t, res.Attempts[1].PatchRef)

	// the second round saw the first attempt and its failure
	calls := f.gw.Calls
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Context.Attempts, 1)
	assert.Equal(t, "wrong operator", calls[1].Context.Attempts[0].Diagnosis)
	assert.Equal(t, "test_add", calls[1].Context.Failure.Diagnostics[0].Message)
}

// Same diagnostic every time with max_debug_cycles=3: exactly three attempts, then exhausted.
func TestExhaustedAfterMaxCycles(t *testing.T) {
	f := newFixture(t, 3)
	f.gw.Script(actor.RoleDebugger,
		mocks.GatewayStep{Content: mocks.DebugReply(60, "try 1", "calc.py", "v1")},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "try 2", "calc.py", "v2")},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "try 3", "calc.py", "v3")},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "try 4", "calc.py", "v4")},
	)
	failing := mocks.FailingResult("test_add", "assert 0 == 3")
	f.sb.Queue(failing)

	run := newRun()
	res, err := f.ctrl.Run(context.Background(), run, failing, Hooks{})
	require.NoError(t, err)

	assert.Equal(t, Exhausted, res.Outcome)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, 3, f.gw.CallsFor(actor.RoleDebugger))
	assert.Equal(t, 3, f.sb.CallCount())
	for i, a := range res.Attempts {
		assert.Equal(t, i+1, a.Seq)
		assert.Equal(t, runstate.AttemptFailed, a.Outcome)
	}
	assert.False(t, res.Last.Passed)
}

func TestDuplicatePatchIsNotApplied(t *testing.T) {
	f := newFixture(t, 3)
	same := mocks.DebugReply(60, "same idea", "calc.py", "a + b\n")
	sameCRLF := mocks.DebugReply(60, "same idea again", "calc.py", "a + b\r\n\r\n")
	f.gw.Script(actor.RoleDebugger,
		mocks.GatewayStep{Content: same},
		mocks.GatewayStep{Content: sameCRLF},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "different", "calc.py", "b + a")},
	)
	f.sb.Queue(mocks.FailingResult("test_add", "x"))

	res, err := f.ctrl.Run(context.Background(), newRun(), mocks.FailingResult("test_add", "x"), Hooks{})
	require.NoError(t, err)

	require.Len(t, res.Attempts, 3)
	assert.Equal(t, runstate.AttemptDuplicate, res.Attempts[1].Outcome)
	assert.Nil(t, res.Attempts[1].Result)
	assert.Equal(t, res.Attempts[0].Fingerprint, res.Attempts[1].Fingerprint)
	assert.Equal(t, 2, f.repo.Commits())
	assert.Equal(t, 2, f.sb.CallCount())
}

func TestInvalidReplyIsRecordedAttempt(t *testing.T) {
	f := newFixture(t, 2)
	f.gw.Script(actor.RoleDebugger,
		mocks.GatewayStep{Content: "no idea"},
		mocks.GatewayStep{Content: "still no idea"},
		mocks.GatewayStep{Content: `{"diagnosis":""}`},
		mocks.GatewayStep{Content: mocks.DebugReply(90, "fix", "calc.py", "ok")},
	)
	f.sb.Queue(mocks.PassingResult())

	res, err := f.ctrl.Run(context.Background(), newRun(), mocks.FailingResult("t", "d"), Hooks{})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, runstate.AttemptInvalid, res.Attempts[0].Outcome)
	assert.Equal(t, Fixed, res.Outcome)
}

func TestUnavailableAbortsLoop(t *testing.T) {
	f := newFixture(t, 5)
	f.gw.Script(actor.RoleDebugger, mocks.GatewayStep{Content: mocks.DebugReply(60, "one", "a.py", "1")})
	f.gw.DefaultError(actor.RoleDebugger, errors.Join(actor.ErrUnavailable, errors.New("connection refused")))
	f.sb.Queue(mocks.FailingResult("t", "d"))

	run := newRun()
	res, err := f.ctrl.Run(context.Background(), run, mocks.FailingResult("t", "d"), Hooks{})
	assert.ErrorIs(t, err, actor.ErrUnavailable)
	assert.Len(t, res.Attempts, 1)
	assert.Len(t, run.PendingDebug, 1)
}

func TestPauseAndResumeContinuesSequence(t *testing.T) {
	f := newFixture(t, 4)
	f.gw.Script(actor.RoleDebugger,
		mocks.GatewayStep{Content: mocks.DebugReply(60, "first", "a.py", "1")},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "second", "a.py", "2")},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "third", "a.py", "3")},
	)
	f.sb.Queue(mocks.FailingResult("t", "d"), mocks.FailingResult("t", "d"), mocks.PassingResult())

	run := newRun()
	rounds := 0
	res, err := f.ctrl.Run(context.Background(), run, mocks.FailingResult("t", "d"), Hooks{
		OnAttempt:   func(runstate.DebugAttempt) { rounds++ },
		ShouldPause: func() bool { return rounds >= 2 },
	})
	require.NoError(t, err)
	assert.Equal(t, Paused, res.Outcome)
	require.Len(t, run.PendingDebug, 2)

	res, err = f.ctrl.Run(context.Background(), run, mocks.FailingResult("t", "d"), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, Fixed, res.Outcome)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, 3, res.Attempts[2].Seq)
	assert.Equal(t, "third", res.Attempts[2].Diagnosis)
}

func TestCheckpointFailureStopsLoop(t *testing.T) {
	f := newFixture(t, 3)
	f.gw.Default(actor.RoleDebugger, mocks.DebugReply(60, "x", "a.py", "1"))
	f.sb.Queue(mocks.FailingResult("t", "d"))

	diskFull := errors.New("disk full")
	_, err := f.ctrl.Run(context.Background(), newRun(), mocks.FailingResult("t", "d"), Hooks{
		Checkpoint: func(context.Context, *runstate.Run) error { return diskFull },
	})
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, 1, f.gw.CallsFor(actor.RoleDebugger))
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	a := []actor.FileEdit{
		{Path: "b.py", Mode: actor.ModeReplace, Content: "b"},
		{Path: "./a.py", Mode: actor.ModeReplace, Content: "a\n"},
	}
	b := []actor.FileEdit{
		{Path: "a.py", Mode: actor.ModeReplace, Content: "a"},
		{Path: "b.py", Mode: actor.ModeReplace, Content: "b"},
	}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 64)

	b[1].Content = "c"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestRunCapOverridesConfiguredCap(t *testing.T) {
	f := newFixture(t, 5)
	f.gw.Script(actor.RoleDebugger,
		mocks.GatewayStep{Content: mocks.DebugReply(60, "try 1", "calc.py", "v1")},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "try 2", "calc.py", "v2")},
		mocks.GatewayStep{Content: mocks.DebugReply(60, "try 3", "calc.py", "v3")},
	)
	failing := mocks.FailingResult("test_add", "assert 0 == 3")
	f.sb.Queue(failing)

	run := newRun()
	run.MaxDebugCycles = 2
	res, err := f.ctrl.Run(context.Background(), run, failing, Hooks{})
	require.NoError(t, err)

	assert.Equal(t, Exhausted, res.Outcome)
	assert.Len(t, res.Attempts, 2)
	assert.Equal(t, 2, f.gw.CallsFor(actor.RoleDebugger))
}

func TestPendingAttemptsBeyondCapAreRejected(t *testing.T) {
	f := newFixture(t, 1)
	run := newRun()
	run.PendingDebug = []runstate.DebugAttempt{
		{Seq: 1, Outcome: runstate.AttemptFailed, Result: mocks.FailingResult("test_add", "assert 0 == 3")},
		{Seq: 2, Outcome: runstate.AttemptFailed, Result: mocks.FailingResult("test_add", "assert 1 == 3")},
	}

	res, err := f.ctrl.Run(context.Background(), run, mocks.FailingResult("test_add", "assert 0 == 3"), Hooks{})
	require.ErrorIs(t, err, runstate.ErrCorrupt)
	assert.Empty(t, res.Outcome)
	assert.Zero(t, f.gw.CallsFor(actor.RoleDebugger))
	assert.Zero(t, f.sb.CallCount())
	assert.Len(t, run.PendingDebug, 2, "checkpointed attempts are left untouched")
}
