// Package pipeline sequences the phases of a build run, from planning to a gated completion.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildloop/pkg/actor"
	"buildloop/pkg/debugcycle"
	"buildloop/pkg/eventlog"
	"buildloop/pkg/gate"
	"buildloop/pkg/logx"
	"buildloop/pkg/runstate"
	"buildloop/pkg/sandbox"
	"buildloop/pkg/workspace"
)

// Recorder receives pipeline metrics.
type Recorder interface {
	ObservePhase(phase, outcome string)
	ObserveRunStatus(status string)
	ObserveDebugAttempt(outcome string)
	ObserveTestRun(passed bool, duration time.Duration)
	SetIterations(runID string, n int)
}

// Options are the run limits and behavior switches. ConfidenceThreshold is
// used as given, so zero admits any confidence; gate.DefaultThreshold is the
// usual value.
type Options struct {
	MaxIterations       int
	MaxDebugCycles      int
	ConfidenceThreshold int
	SchemaRetries       int
	ContextTokens       int
	TestEverything      bool
	WorkspaceRoot       string
}

// Deps are the collaborators of the orchestrator. Events and Metrics are optional.
type Deps struct {
	Store    runstate.Store
	Gateway  actor.Gateway
	Sandbox  sandbox.Adapter
	OpenRepo func(dir string) (workspace.Repository, error)
	Events   eventlog.Sink
	Metrics  Recorder
}

// Orchestrator drives runs through the phase machine. Each run is driven by
// one goroutine at a time; distinct runs may be driven concurrently.
type Orchestrator struct {
	deps   Deps
	opts   Options
	gate   *gate.Gate
	logger *logx.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.Mutex
	pauses map[string]bool
	// pauseAll is bumped by RequestPauseAll; a run is affected only by
	// requests made after it was last taken over (seen).
	pauseAll uint64
	seen     map[string]uint64
}

// New creates an orchestrator. A nil OpenRepo opens git workspaces.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.OpenRepo == nil {
		deps.OpenRepo = func(dir string) (workspace.Repository, error) { return workspace.Open(dir) }
	}
	if opts.SchemaRetries < 1 {
		opts.SchemaRetries = 3
	}
	if opts.MaxDebugCycles <= 0 {
		opts.MaxDebugCycles = 3
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		gate:   gate.New(opts.ConfidenceThreshold),
		logger: logx.NewLogger("pipeline"),
		now:    time.Now,
		newID:  uuid.NewString,
		pauses: make(map[string]bool),
		seen:   make(map[string]uint64),
	}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Start creates and checkpoints a new run. Empty name and non-positive
// maxIterations fall back to the derived name and the configured cap.
func (o *Orchestrator) Start(ctx context.Context, requirement, name string, maxIterations int) (*runstate.Run, error) {
	if requirement == "" {
		return nil, fmt.Errorf("requirement cannot be empty")
	}
	now := o.now()
	if name == "" {
		name = ProjectName(requirement, now)
	}
	if maxIterations <= 0 {
		maxIterations = o.opts.MaxIterations
	}
	if maxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive")
	}

	run := runstate.NewRun(o.newID(), requirement, name, filepath.Join(o.opts.WorkspaceRoot, name), maxIterations, now)
	run.MaxDebugCycles = o.opts.MaxDebugCycles
	o.clearPause(run.ID)
	if _, err := o.deps.OpenRepo(run.WorkspacePath); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	if err := o.save(ctx, run); err != nil {
		return nil, err
	}

	o.log(run).Info("started: project %s, budget %d", run.ProjectName, run.MaxIterations)
	o.emit(run, eventlog.Event{Type: eventlog.TypeRunStatus, Status: string(run.Status), Phase: string(run.Phase), Message: "started"})
	return run, nil
}

// Resume loads a run and drives it from its checkpointed phase.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*runstate.Run, error) {
	run, err := o.deps.Store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if err := runstate.Verify(run); err != nil {
		return run, fmt.Errorf("resume %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	o.clearPause(run.ID)
	if run.Status == runstate.StatusPaused {
		if err := o.transition(ctx, run, run.Phase, runstate.StatusActive, "resumed"); err != nil {
			return run, err
		}
	}
	o.log(run).Info("resumed at %s (iteration %d/%d)", run.Phase, run.Iteration, run.MaxIterations)
	return o.Drive(ctx, run)
}

// RequestPause asks the driver of runID to pause at the next phase or round boundary.
func (o *Orchestrator) RequestPause(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauses[runID] = true
}

// RequestPauseAll asks every run this orchestrator is driving to pause. Runs
// started or resumed afterwards are not affected.
func (o *Orchestrator) RequestPauseAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauseAll++
}

func (o *Orchestrator) pauseRequested(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pauses[runID] || o.pauseAll > o.seen[runID]
}

// clearPause consumes every pause request pending for runID.
func (o *Orchestrator) clearPause(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pauses, runID)
	o.seen[runID] = o.pauseAll
}

// Pause checkpoints an ACTIVE run as PAUSED at its current phase.
func (o *Orchestrator) Pause(ctx context.Context, run *runstate.Run) error {
	if run.Status != runstate.StatusActive {
		return fmt.Errorf("cannot pause run %s in status %s", run.ID, run.Status)
	}
	o.clearPause(run.ID)
	o.log(run).Info("paused at %s (iteration %d/%d)", run.Phase, run.Iteration, run.MaxIterations)
	return o.transition(ctx, run, run.Phase, runstate.StatusPaused, "pause requested")
}

// Drive advances run until it is terminal or paused.
func (o *Orchestrator) Drive(ctx context.Context, run *runstate.Run) (*runstate.Run, error) {
	ctx = logx.ContextWithRunID(ctx, run.ID)
	for run.Status == runstate.StatusActive {
		if o.pauseRequested(run.ID) {
			return run, o.Pause(ctx, run)
		}
		if err := o.Advance(ctx, run); err != nil {
			return run, err
		}
	}
	return run, nil
}

// Advance performs exactly one step of the phase machine and checkpoints it.
func (o *Orchestrator) Advance(ctx context.Context, run *runstate.Run) error {
	if run.Status != runstate.StatusActive {
		return fmt.Errorf("cannot advance run %s in status %s", run.ID, run.Status)
	}
	logx.DebugFlow(ctx, "pipeline", string(run.Phase), "advance", fmt.Sprintf("iteration %d/%d", run.Iteration, run.MaxIterations))

	switch run.Phase {
	case runstate.PhaseTesting:
		return o.runTesting(ctx, run)
	case runstate.PhaseDebugging:
		return o.runDebugging(ctx, run)
	default:
		role, ok := actor.ForPhase(run.Phase)
		if !ok {
			return fmt.Errorf("%w: no step for phase %s", runstate.ErrInvalidTransition, run.Phase)
		}
		return o.runActorPhase(ctx, run, role)
	}
}

// HandleTestFailure moves a run whose tests failed into DEBUGGING and runs the repair loop.
func (o *Orchestrator) HandleTestFailure(ctx context.Context, run *runstate.Run, result *runstate.TestResult) error {
	run.DebugTrigger = result
	if err := o.transition(ctx, run, runstate.PhaseDebugging, runstate.StatusActive, "tests failed: "+result.Summary()); err != nil {
		return err
	}
	if o.pauseRequested(run.ID) {
		return o.Pause(ctx, run)
	}
	return o.runDebugging(ctx, run)
}

func (o *Orchestrator) runActorPhase(ctx context.Context, run *runstate.Run, role actor.Role) error {
	if run.BudgetLeft() == 0 {
		return o.fail(ctx, run, runstate.ErrBudgetExhausted,
			fmt.Sprintf("iteration budget exhausted (%d/%d) before %s", run.Iteration, run.MaxIterations, run.Phase))
	}

	repo, err := o.deps.OpenRepo(run.WorkspacePath)
	if err != nil {
		return o.fail(ctx, run, err, fmt.Sprintf("open workspace: %v", err))
	}

	in := o.actorContext(run, repo)
	if run.Phase == runstate.PhaseVerification {
		in.Failure = run.LastTest
	}

	resp, calls, err := actor.InvokeWithSchemaRetries(ctx, o.deps.Gateway, role, in, o.opts.SchemaRetries)
	if err != nil {
		return o.handleActorError(ctx, run, role, calls, err)
	}

	rec := runstate.PhaseRecord{
		Phase:      run.Phase,
		Confidence: resp.Confidence,
		Outcome:    runstate.OutcomeOK,
		Summary:    resp.Payload.Summary(),
		Detail:     canonical(resp.Payload),
		At:         o.now(),
	}

	if edits := resp.Edits(); len(edits) > 0 {
		applied, err := repo.Apply(ctx, edits, fmt.Sprintf("%s: %s", run.Phase, rec.Summary))
		if err != nil {
			return o.fail(ctx, run, err, fmt.Sprintf("apply %s edits: %v", role, err))
		}
		rec.ArtifactRef = applied.Commit
		run.Stats.FilesCreated += len(applied.Created)
		run.Stats.FilesModified += len(applied.Modified)
	}

	var findings []string
	switch p := resp.Payload.(type) {
	case *actor.TestPayload:
		if p.TestCommand != "" {
			run.TestCommand = p.TestCommand
		}
	case *actor.VerifyPayload:
		findings = p.Findings()
		run.Feedback = append(append([]string(nil), findings...), prefixed("next: ", p.NextSteps)...)
		if !p.Approved() {
			rec.Outcome = runstate.OutcomeRejected
		}
	}

	o.appendRecord(run, rec)

	if o.opts.TestEverything {
		if err := o.runSandbox(ctx, run, repo); err != nil {
			if ctx.Err() != nil {
				return err
			}
			o.log(run).Warn("test run after %s skipped: %v", run.Phase, err)
		}
	}

	if run.Phase == runstate.PhaseVerification {
		return o.routeVerification(ctx, run, findings)
	}
	next := nextPhase(run.Phase)
	return o.transition(ctx, run, next, runstate.StatusActive, fmt.Sprintf("%s %s", role, rec.Outcome))
}

func (o *Orchestrator) handleActorError(ctx context.Context, run *runstate.Run, role actor.Role, calls int, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s interrupted: %w", run.Phase, ctx.Err())
	case errors.Is(err, actor.ErrInvalidResponse):
		o.appendRecord(run, runstate.PhaseRecord{
			Phase:   run.Phase,
			Outcome: runstate.OutcomeError,
			Summary: fmt.Sprintf("invalid %s response after %d attempts", role, calls),
			Detail:  err.Error(),
			At:      o.now(),
		})
		return o.fail(ctx, run, err, fmt.Sprintf("%s produced no valid response after %d attempts: %v", role, calls, err))
	case errors.Is(err, actor.ErrUnavailable):
		o.log(run).Error("%s unavailable, pausing: %v", role, err)
		if perr := o.transition(ctx, run, run.Phase, runstate.StatusPaused, "model unavailable: "+err.Error()); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	default:
		return o.fail(ctx, run, err, fmt.Sprintf("%s failed: %v", role, err))
	}
}

func (o *Orchestrator) runTesting(ctx context.Context, run *runstate.Run) error {
	repo, err := o.deps.OpenRepo(run.WorkspacePath)
	if err != nil {
		return o.fail(ctx, run, err, fmt.Sprintf("open workspace: %v", err))
	}
	if err := o.runSandbox(ctx, run, repo); err != nil {
		if ctx.Err() != nil {
			return err
		}
		werr := fmt.Errorf("%w: sandbox: %w", actor.ErrUnavailable, err)
		if perr := o.transition(ctx, run, run.Phase, runstate.StatusPaused, werr.Error()); perr != nil {
			return errors.Join(werr, perr)
		}
		return werr
	}

	if run.LastTest.Passed {
		return o.transition(ctx, run, runstate.PhaseVerification, runstate.StatusActive, "tests passed")
	}
	return o.HandleTestFailure(ctx, run, run.LastTest)
}

func (o *Orchestrator) runSandbox(ctx context.Context, run *runstate.Run, repo workspace.Repository) error {
	res, err := o.deps.Sandbox.RunTests(ctx, sandbox.Artifact{Dir: repo.Dir(), TestCommand: run.TestCommand})
	if err != nil {
		return fmt.Errorf("run tests: %w", err)
	}
	run.LastTest = res
	run.Stats.TestsRun++
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveTestRun(res.Passed, res.Duration)
	}
	o.emit(run, eventlog.Event{Type: eventlog.TypeTestRun, Phase: string(run.Phase), Outcome: passFail(res.Passed), Message: res.Summary()})
	return nil
}

func (o *Orchestrator) runDebugging(ctx context.Context, run *runstate.Run) error {
	if run.BudgetLeft() == 0 {
		return o.fail(ctx, run, runstate.ErrBudgetExhausted,
			fmt.Sprintf("iteration budget exhausted (%d/%d) before debugging: %s", run.Iteration, run.MaxIterations, run.LastTest.Summary()))
	}

	repo, err := o.deps.OpenRepo(run.WorkspacePath)
	if err != nil {
		return o.fail(ctx, run, err, fmt.Sprintf("open workspace: %v", err))
	}

	if run.MaxDebugCycles <= 0 {
		run.MaxDebugCycles = o.opts.MaxDebugCycles
	}
	trigger := run.DebugTrigger
	if trigger == nil {
		trigger = run.LastTest
	}
	if trigger == nil {
		trigger = &runstate.TestResult{Diagnostics: []runstate.Diagnostic{{Kind: runstate.DiagExitStatus, Message: "no test result recorded"}}}
	}

	ctrl := debugcycle.New(o.deps.Gateway, o.deps.Sandbox, repo, debugcycle.Config{
		MaxCycles:     run.MaxDebugCycles,
		SchemaRetries: o.opts.SchemaRetries,
		ContextTokens: o.opts.ContextTokens,
	})
	ctrl.SetClock(o.now)

	res, err := ctrl.Run(ctx, run, trigger, debugcycle.Hooks{
		ShouldPause: func() bool { return o.pauseRequested(run.ID) },
		Checkpoint:  o.save,
		OnAttempt: func(a runstate.DebugAttempt) {
			if o.deps.Metrics != nil {
				o.deps.Metrics.ObserveDebugAttempt(string(a.Outcome))
			}
			o.emit(run, eventlog.Event{Type: eventlog.TypeDebugAttempt, Phase: string(run.Phase), Seq: a.Seq, Outcome: string(a.Outcome), Message: a.Diagnosis})
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, runstate.ErrPersistence):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("debugging interrupted: %w", ctx.Err())
		case errors.Is(err, actor.ErrUnavailable):
			if perr := o.transition(ctx, run, run.Phase, runstate.StatusPaused, "model unavailable: "+err.Error()); perr != nil {
				return errors.Join(err, perr)
			}
			return err
		default:
			return o.fail(ctx, run, err, fmt.Sprintf("debugging failed: %v", err))
		}
	}

	if res.Outcome == debugcycle.Paused {
		return o.Pause(ctx, run)
	}

	rec := runstate.PhaseRecord{
		Phase:      runstate.PhaseDebugging,
		Confidence: res.Confidence,
		Outcome:    runstate.OutcomeOK,
		Attempts:   res.Attempts,
		At:         o.now(),
	}
	for i := len(res.Attempts) - 1; i >= 0; i-- {
		if ref := res.Attempts[i].PatchRef; ref != "" {
			rec.ArtifactRef = ref
			break
		}
	}
	run.PendingDebug = nil
	run.DebugTrigger = nil

	if res.Outcome == debugcycle.Fixed {
		rec.Summary = fmt.Sprintf("fixed after %d attempts", len(res.Attempts))
		o.appendRecord(run, rec)
		return o.transition(ctx, run, runstate.PhaseTesting, runstate.StatusActive, rec.Summary)
	}

	rec.Outcome = runstate.OutcomeRejected
	rec.Summary = fmt.Sprintf("exhausted after %d attempts: %s", len(res.Attempts), res.Last.Summary())
	o.appendRecord(run, rec)
	return o.fail(ctx, run, runstate.ErrBudgetExhausted,
		fmt.Sprintf("debug cycles exhausted (%d/%d); last failure: %s", len(res.Attempts), run.MaxDebugCycles, res.Last.Summary()))
}

func (o *Orchestrator) routeVerification(ctx context.Context, run *runstate.Run, findings []string) error {
	d := o.gate.Evaluate(run, findings)
	o.emit(run, eventlog.Event{Type: eventlog.TypeGateDecision, Phase: string(run.Phase), Outcome: decisionName(d), Message: d.Reason()})

	switch {
	case d.Accept:
		if err := o.transition(ctx, run, runstate.PhaseComplete, runstate.StatusComplete, "quality gate accepted"); err != nil {
			return err
		}
		o.log(run).Info("complete after %d iterations", run.Iteration)
		return nil
	case d.Route == gate.RouteFail:
		return o.fail(ctx, run, runstate.ErrBudgetExhausted, "quality gate rejected with no budget left: "+d.Reason())
	case d.Route == gate.RouteDebugging:
		run.DebugTrigger = debugTrigger(run.LastTest, findings)
		return o.transition(ctx, run, runstate.PhaseDebugging, runstate.StatusActive, "quality gate rejected: "+d.Reason())
	default:
		return o.transition(ctx, run, runstate.PhaseTesting, runstate.StatusActive, "quality gate rejected: "+d.Reason())
	}
}

// debugTrigger combines the latest failing tests with the verifier findings.
func debugTrigger(last *runstate.TestResult, findings []string) *runstate.TestResult {
	trigger := &runstate.TestResult{Passed: false, ExitCode: -1}
	if last != nil && !last.Passed {
		cp := *last
		cp.Diagnostics = append([]runstate.Diagnostic(nil), last.Diagnostics...)
		trigger = &cp
	}
	for _, f := range findings {
		trigger.Diagnostics = append(trigger.Diagnostics, runstate.Diagnostic{Kind: runstate.DiagVerifier, Message: f})
	}
	return trigger
}

func (o *Orchestrator) actorContext(run *runstate.Run, repo workspace.Repository) actor.Context {
	files, err := repo.ReadFiles(o.opts.ContextTokens)
	if err != nil {
		o.log(run).Warn("reading workspace files: %v", err)
	}
	return actor.Context{
		Requirement:   run.Requirement,
		ProjectName:   run.ProjectName,
		Iteration:     run.Iteration,
		MaxIterations: run.MaxIterations,
		History:       run.History,
		Feedback:      run.Feedback,
		Files:         files,
		TestCommand:   run.TestCommand,
	}
}

func (o *Orchestrator) log(run *runstate.Run) *logx.Logger {
	return o.logger.With("run_id", run.ID)
}

func (o *Orchestrator) appendRecord(run *runstate.Run, rec runstate.PhaseRecord) {
	rec = run.AppendRecord(rec)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObservePhase(string(rec.Phase), string(rec.Outcome))
	}
	o.emit(run, eventlog.Event{
		Type:       eventlog.TypePhaseRecord,
		Phase:      string(rec.Phase),
		Seq:        rec.Seq,
		Outcome:    string(rec.Outcome),
		Confidence: rec.Confidence,
		Message:    rec.Summary,
	})
}

// transition moves run and checkpoints it.
func (o *Orchestrator) transition(ctx context.Context, run *runstate.Run, to runstate.Phase, status runstate.Status, reason string) error {
	if err := checkTransition(run.Phase, to); err != nil {
		return err
	}
	from := run.Phase
	run.Move(to, status, reason, o.now())
	logx.DebugState(ctx, "pipeline", "transition", fmt.Sprintf("%s -> %s (%s)", from, to, status), reason)
	o.emit(run, eventlog.Event{Type: eventlog.TypeTransition, From: string(from), To: string(to), Status: string(status), Message: reason})
	if status.Terminal() && o.deps.Metrics != nil {
		o.deps.Metrics.ObserveRunStatus(string(status))
	}
	return o.save(ctx, run)
}

// fail terminates run with reason and returns cause wrapped for the caller.
func (o *Orchestrator) fail(ctx context.Context, run *runstate.Run, cause error, reason string) error {
	run.FailureReason = reason
	o.log(run).Error("failed at %s: %s", run.Phase, reason)
	failure := fmt.Errorf("run %s failed: %w", run.ID, cause)
	if err := o.transition(ctx, run, runstate.PhaseFailed, runstate.StatusFailed, reason); err != nil {
		return errors.Join(failure, err)
	}
	o.emit(run, eventlog.Event{Type: eventlog.TypeRunStatus, Status: string(run.Status), Message: reason})
	return failure
}

// save checkpoints run. On failure the error names the last good checkpoint.
func (o *Orchestrator) save(ctx context.Context, run *runstate.Run) error {
	previous := run.CheckpointAt
	run.CheckpointAt = o.now()
	if err := o.deps.Store.Save(ctx, run); err != nil {
		run.CheckpointAt = previous
		if !errors.Is(err, runstate.ErrPersistence) {
			err = fmt.Errorf("%w: %w", runstate.ErrPersistence, err)
		}
		return fmt.Errorf("checkpoint run %s (last good checkpoint %s): %w", run.ID, previous.Format(time.RFC3339), err)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.SetIterations(run.ID, run.Iteration)
	}
	return nil
}

func (o *Orchestrator) emit(run *runstate.Run, ev eventlog.Event) {
	if o.deps.Events == nil {
		return
	}
	ev.RunID = run.ID
	ev.Iteration = run.Iteration
	if ev.Time.IsZero() {
		ev.Time = o.now().UTC()
	}
	if err := o.deps.Events.Write(ev); err != nil {
		o.log(run).Warn("event log write failed: %v", err)
	}
}

func canonical(p actor.Payload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}

func prefixed(prefix string, items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = prefix + s
	}
	return out
}

func passFail(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

func decisionName(d gate.Decision) string {
	if d.Accept {
		return "accept"
	}
	return "reject:" + string(d.Route)
}
