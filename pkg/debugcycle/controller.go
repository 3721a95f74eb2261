// Package debugcycle runs the bounded repair loop that follows a failing test run.
package debugcycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buildloop/pkg/actor"
	"buildloop/pkg/logx"
	"buildloop/pkg/runstate"
	"buildloop/pkg/sandbox"
	"buildloop/pkg/workspace"
)

// Outcome is how a repair loop ended.
type Outcome string

const (
	Fixed     Outcome = "fixed"
	Exhausted Outcome = "exhausted"
	Paused    Outcome = "paused"
)

// Result summarizes a finished or paused loop.
type Result struct {
	Outcome  Outcome
	Attempts []runstate.DebugAttempt
	// Last is the most recent test result seen by the loop.
	Last *runstate.TestResult
	// Confidence is the score of the last valid debugger reply.
	Confidence int
}

// Config bounds the loop.
type Config struct {
	MaxCycles     int
	SchemaRetries int
	ContextTokens int
}

// Hooks connect the loop to its owner. Every field is optional.
type Hooks struct {
	// ShouldPause is polled between rounds.
	ShouldPause func() bool
	// Checkpoint persists the run after each round.
	Checkpoint func(ctx context.Context, run *runstate.Run) error
	// OnAttempt observes each recorded attempt.
	OnAttempt func(attempt runstate.DebugAttempt)
}

// Controller owns the repair loop of one run at a time.
type Controller struct {
	gateway actor.Gateway
	sandbox sandbox.Adapter
	repo    workspace.Repository
	cfg     Config
	logger  *logx.Logger
	now     func() time.Time
}

// New creates a controller.
func New(gateway actor.Gateway, sb sandbox.Adapter, repo workspace.Repository, cfg Config) *Controller {
	if cfg.SchemaRetries < 1 {
		cfg.SchemaRetries = 1
	}
	return &Controller{
		gateway: gateway,
		sandbox: sb,
		repo:    repo,
		cfg:     cfg,
		logger:  logx.NewLogger("debugcycle"),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Run repairs the failure described by trigger. Attempts already checkpointed
// on run.PendingDebug are continued, not repeated. The loop performs at most
// run.MaxDebugCycles rounds in total, or Config.MaxCycles when the run carries
// no cap. Transport failures, cancellation and checkpoint errors end the loop
// with an error; the attempts made so far stay on the run.
func (c *Controller) Run(ctx context.Context, run *runstate.Run, trigger *runstate.TestResult, hooks Hooks) (Result, error) {
	maxCycles := c.cfg.MaxCycles
	if run.MaxDebugCycles > 0 {
		maxCycles = run.MaxDebugCycles
	}
	if len(run.PendingDebug) > maxCycles {
		return Result{Attempts: run.PendingDebug, Last: trigger}, fmt.Errorf("%w: %d pending debug attempts exceed cap %d",
			runstate.ErrCorrupt, len(run.PendingDebug), maxCycles)
	}

	attempts := append([]runstate.DebugAttempt(nil), run.PendingDebug...)
	failure := trigger
	seen := make(map[string]bool, len(attempts))
	res := Result{Attempts: attempts, Last: failure}
	for _, a := range attempts {
		if a.Fingerprint != "" {
			seen[a.Fingerprint] = true
		}
		if a.Result != nil {
			failure = a.Result
		}
	}
	res.Last = failure

	for round := 0; len(attempts) < maxCycles; round++ {
		if round > 0 && hooks.ShouldPause != nil && hooks.ShouldPause() {
			c.logger.Info("run %s: repair loop paused after %d attempts", run.ID, len(attempts))
			res.Outcome = Paused
			return res, nil
		}

		attempt, confidence, err := c.round(ctx, run, len(attempts)+1, failure, attempts, seen)
		if err != nil {
			return res, err
		}
		if confidence >= 0 {
			res.Confidence = confidence
		}

		attempts = append(attempts, attempt)
		res.Attempts = attempts
		run.PendingDebug = attempts
		run.Stats.DebugCycles++
		if attempt.Result != nil {
			failure = attempt.Result
			res.Last = failure
			run.LastTest = failure
			run.Stats.TestsRun++
		}
		if hooks.OnAttempt != nil {
			hooks.OnAttempt(attempt)
		}
		if hooks.Checkpoint != nil {
			if err := hooks.Checkpoint(ctx, run); err != nil {
				return res, err
			}
		}

		c.logger.Info("run %s: debug attempt %d/%d %s", run.ID, attempt.Seq, maxCycles, attempt.Outcome)
		if attempt.Resolved() {
			run.Stats.BugsFixed++
			res.Outcome = Fixed
			return res, nil
		}
	}

	res.Outcome = Exhausted
	return res, nil
}

// round performs one repair attempt. confidence is -1 when no valid reply was received.
func (c *Controller) round(
	ctx context.Context,
	run *runstate.Run,
	seq int,
	failure *runstate.TestResult,
	prior []runstate.DebugAttempt,
	seen map[string]bool,
) (runstate.DebugAttempt, int, error) {
	attempt := runstate.DebugAttempt{
		Seq:            seq,
		FailureSummary: failure.Summary(),
		At:             c.now(),
	}

	files, err := c.repo.ReadFiles(c.cfg.ContextTokens)
	if err != nil {
		c.logger.Warn("run %s: reading workspace for debug context: %v", run.ID, err)
	}

	in := actor.Context{
		Requirement:   run.Requirement,
		ProjectName:   run.ProjectName,
		Iteration:     run.Iteration,
		MaxIterations: run.MaxIterations,
		History:       run.History,
		Attempts:      prior,
		Failure:       failure,
		Feedback:      run.Feedback,
		Files:         files,
		TestCommand:   run.TestCommand,
	}

	resp, _, err := actor.InvokeWithSchemaRetries(ctx, c.gateway, actor.RoleDebugger, in, c.cfg.SchemaRetries)
	switch {
	case errors.Is(err, actor.ErrInvalidResponse):
		attempt.Outcome = runstate.AttemptInvalid
		attempt.Diagnosis = err.Error()
		return attempt, -1, nil
	case err != nil:
		return attempt, -1, fmt.Errorf("debug attempt %d: %w", seq, err)
	}

	edits := resp.Edits()
	attempt.Fingerprint = Fingerprint(edits)
	if payload, ok := resp.Payload.(*actor.DebugPayload); ok {
		attempt.Diagnosis = payload.Diagnosis
	}
	for _, e := range edits {
		attempt.Files = append(attempt.Files, e.CleanPath())
	}

	if seen[attempt.Fingerprint] {
		attempt.Outcome = runstate.AttemptDuplicate
		return attempt, resp.Confidence, nil
	}
	seen[attempt.Fingerprint] = true

	applied, err := c.repo.Apply(ctx, edits, fmt.Sprintf("debug: attempt %d\n\n%s", seq, attempt.Diagnosis))
	if err != nil {
		return attempt, resp.Confidence, fmt.Errorf("apply debug patch %d: %w", seq, err)
	}
	attempt.PatchRef = applied.Commit
	run.Stats.FilesCreated += len(applied.Created)
	run.Stats.FilesModified += len(applied.Modified)

	result, err := c.sandbox.RunTests(ctx, sandbox.Artifact{Dir: c.repo.Dir(), TestCommand: run.TestCommand})
	if err != nil {
		return attempt, resp.Confidence, fmt.Errorf("test debug patch %d: %w", seq, err)
	}
	attempt.Result = result
	if result.Passed {
		attempt.Outcome = runstate.AttemptPassed
	} else {
		attempt.Outcome = runstate.AttemptFailed
	}
	return attempt, resp.Confidence, nil
}
