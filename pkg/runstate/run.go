// Package runstate defines the durable Run model and the stores that checkpoint it.
package runstate

import (
	"fmt"
	"time"
)

// Phase is one stage of the build pipeline.
type Phase string

const (
	PhasePlanning      Phase = "PLANNING"
	PhaseArchitecture  Phase = "ARCHITECTURE"
	PhaseCoding        Phase = "CODING"
	PhaseTestAuthoring Phase = "TEST_AUTHORING"
	PhaseTesting       Phase = "TESTING"
	PhaseDebugging     Phase = "DEBUGGING"
	PhaseVerification  Phase = "VERIFICATION"
	PhaseComplete      Phase = "COMPLETE"
	PhaseFailed        Phase = "FAILED"
)

func (p Phase) String() string { return string(p) }

// Terminal reports whether no further phase can follow.
func (p Phase) Terminal() bool { return p == PhaseComplete || p == PhaseFailed }

// Status is the lifecycle status of a Run.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
	StatusPaused   Status = "PAUSED"
)

// Terminal reports whether the run can never be resumed.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusFailed }

// Outcome is the result of one phase attempt.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// AttemptOutcome is the result of one debug round.
type AttemptOutcome string

const (
	AttemptPassed    AttemptOutcome = "passed"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptDuplicate AttemptOutcome = "duplicate"
	AttemptInvalid   AttemptOutcome = "invalid"
)

// Diagnostic is one structured finding from a test run.
type Diagnostic struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnostic kinds.
const (
	DiagTestFailure = "test_failure"
	DiagTimeout     = "timeout"
	DiagExitStatus  = "exit_status"
	DiagNoTests     = "no_tests"
	DiagCrash       = "crash"
	DiagVerifier    = "verifier"
)

// TestResult is the structured outcome of one sandbox execution.
type TestResult struct {
	Passed      bool          `json:"passed"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Command     string        `json:"command,omitempty"`
	Output      string        `json:"output,omitempty"`
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
}

// Summary renders the diagnostics as a short human-readable string.
func (t *TestResult) Summary() string {
	if t == nil {
		return "no test result"
	}
	if t.Passed {
		return "all tests passed"
	}
	if len(t.Diagnostics) == 0 {
		return fmt.Sprintf("tests failed (exit %d)", t.ExitCode)
	}
	first := t.Diagnostics[0]
	if len(t.Diagnostics) == 1 {
		return fmt.Sprintf("%s: %s", first.Kind, first.Message)
	}
	return fmt.Sprintf("%s: %s (+%d more)", first.Kind, first.Message, len(t.Diagnostics)-1)
}

// DebugAttempt is one round of a bounded repair loop.
type DebugAttempt struct {
	Seq            int            `json:"seq"`
	FailureSummary string         `json:"failure_summary"`
	PatchRef       string         `json:"patch_ref,omitempty"`
	Fingerprint    string         `json:"fingerprint,omitempty"`
	Diagnosis      string         `json:"diagnosis,omitempty"`
	Files          []string       `json:"files,omitempty"`
	Outcome        AttemptOutcome `json:"outcome"`
	Result         *TestResult    `json:"result,omitempty"`
	At             time.Time      `json:"at"`
}

// Resolved reports whether the attempt ended with passing tests.
func (d DebugAttempt) Resolved() bool { return d.Outcome == AttemptPassed }

// PhaseRecord is the immutable record of one completed phase attempt.
type PhaseRecord struct {
	Seq         int            `json:"seq"`
	Phase       Phase          `json:"phase"`
	ArtifactRef string         `json:"artifact_ref,omitempty"`
	Confidence  int            `json:"confidence"`
	Outcome     Outcome        `json:"outcome"`
	Summary     string         `json:"summary,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	Attempts    []DebugAttempt `json:"attempts,omitempty"`
	At          time.Time      `json:"at"`
}

// Transition is one entry of the append-only journal that Replay folds.
type Transition struct {
	Seq    int       `json:"seq"`
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Status Status    `json:"status"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Stats are running counters shown by status and at completion.
type Stats struct {
	FilesCreated  int `json:"files_created"`
	FilesModified int `json:"files_modified"`
	TestsRun      int `json:"tests_run"`
	BugsFixed     int `json:"bugs_fixed"`
	DebugCycles   int `json:"debug_cycles"`
}

// Run is one end-to-end build attempt for a single requirement.
type Run struct {
	ID            string `json:"id"`
	Requirement   string `json:"requirement"`
	ProjectName   string `json:"project_name"`
	WorkspacePath string `json:"workspace_path"`

	Phase         Phase  `json:"phase"`
	Status        Status `json:"status"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`

	// Attempts allowed per repair loop; zero on checkpoints that predate it.
	MaxDebugCycles int `json:"max_debug_cycles,omitempty"`

	History     []PhaseRecord `json:"history"`
	Transitions []Transition  `json:"transitions"`

	// In-flight repair loop, checkpointed between rounds.
	PendingDebug []DebugAttempt `json:"pending_debug,omitempty"`
	DebugTrigger *TestResult    `json:"debug_trigger,omitempty"`

	LastTest      *TestResult `json:"last_test,omitempty"`
	TestCommand   string      `json:"test_command,omitempty"`
	Feedback      []string    `json:"feedback,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Stats         Stats       `json:"stats"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}

// NewRun creates an ACTIVE run positioned at PLANNING.
func NewRun(id, requirement, projectName, workspacePath string, maxIterations int, now time.Time) *Run {
	r := &Run{
		ID:            id,
		Requirement:   requirement,
		ProjectName:   projectName,
		WorkspacePath: workspacePath,
		Phase:         PhasePlanning,
		Status:        StatusActive,
		MaxIterations: maxIterations,
		History:       []PhaseRecord{},
		Transitions:   []Transition{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return r
}

// LastRecord returns the most recent PhaseRecord, or nil.
func (r *Run) LastRecord() *PhaseRecord {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}

// RecordsFor returns the records of one phase in creation order.
func (r *Run) RecordsFor(phase Phase) []PhaseRecord {
	var out []PhaseRecord
	for _, rec := range r.History {
		if rec.Phase == phase {
			out = append(out, rec)
		}
	}
	return out
}

// LatestFor returns the most recent record for phase, or nil.
func (r *Run) LatestFor(phase Phase) *PhaseRecord {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Phase == phase {
			return &r.History[i]
		}
	}
	return nil
}

// AppendRecord appends rec with the next sequence number and counts one iteration.
func (r *Run) AppendRecord(rec PhaseRecord) PhaseRecord {
	rec.Seq = len(r.History) + 1
	r.History = append(r.History, rec)
	r.Iteration++
	r.UpdatedAt = rec.At
	return rec
}

// Move records a transition and updates the current phase and status.
func (r *Run) Move(to Phase, status Status, reason string, at time.Time) {
	r.Transitions = append(r.Transitions, Transition{
		Seq:    len(r.Transitions) + 1,
		From:   r.Phase,
		To:     to,
		Status: status,
		Reason: reason,
		At:     at,
	})
	r.Phase = to
	r.Status = status
	r.UpdatedAt = at
}

// BudgetLeft returns how many phase attempts remain under the iteration cap.
func (r *Run) BudgetLeft() int {
	left := r.MaxIterations - r.Iteration
	if left < 0 {
		return 0
	}
	return left
}

// UnresolvedDebug reports whether a repair attempt is still outstanding.
func (r *Run) UnresolvedDebug() bool {
	if len(r.PendingDebug) > 0 {
		return true
	}
	last := r.LastRecord()
	if last == nil || last.Phase != PhaseDebugging || len(last.Attempts) == 0 {
		return false
	}
	return !last.Attempts[len(last.Attempts)-1].Resolved()
}

var phaseWeights = map[Phase]float64{
	PhasePlanning:      10,
	PhaseArchitecture:  20,
	PhaseCoding:        40,
	PhaseTestAuthoring: 60,
	PhaseTesting:       70,
	PhaseDebugging:     75,
	PhaseVerification:  90,
	PhaseComplete:      100,
}

// Progress estimates overall completion as a percentage.
func (r *Run) Progress() float64 {
	if r.Phase == PhaseComplete {
		return 100
	}
	bonus := float64(r.Iteration) * 0.5
	if bonus > 10 {
		bonus = 10
	}
	p := phaseWeights[r.Phase] + bonus
	if p > 100 {
		p = 100
	}
	return p
}

// Summary is the light projection used by list surfaces.
type Summary struct {
	ID          string    `json:"id"`
	ProjectName string    `json:"project_name"`
	Phase       Phase     `json:"phase"`
	Status      Status    `json:"status"`
	Iteration   int       `json:"iteration"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summarize projects r to a Summary.
func (r *Run) Summarize() Summary {
	return Summary{
		ID:          r.ID,
		ProjectName: r.ProjectName,
		Phase:       r.Phase,
		Status:      r.Status,
		Iteration:   r.Iteration,
		UpdatedAt:   r.UpdatedAt,
	}
}
