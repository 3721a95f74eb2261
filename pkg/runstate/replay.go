package runstate

import "fmt"

// Replay folds the transition journal from the initial PLANNING/ACTIVE position.
func Replay(r *Run) (Phase, Status) {
	phase, status := PhasePlanning, StatusActive
	for _, t := range r.Transitions {
		phase, status = t.To, t.Status
	}
	return phase, status
}

// Verify checks that a checkpoint is internally consistent: the journal replays to
// the recorded phase and status, the iteration counter matches the history,
// neither cap is exceeded, and sequence numbers are dense.
func Verify(r *Run) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty run id", ErrCorrupt)
	}
	phase, status := Replay(r)
	if phase != r.Phase || status != r.Status {
		return fmt.Errorf("%w: journal replays to %s/%s, checkpoint says %s/%s",
			ErrCorrupt, phase, status, r.Phase, r.Status)
	}
	if r.Iteration != len(r.History) {
		return fmt.Errorf("%w: iteration %d but %d phase records", ErrCorrupt, r.Iteration, len(r.History))
	}
	if r.MaxIterations > 0 && r.Iteration > r.MaxIterations {
		return fmt.Errorf("%w: iteration %d exceeds cap %d", ErrCorrupt, r.Iteration, r.MaxIterations)
	}
	for i, rec := range r.History {
		if rec.Seq != i+1 {
			return fmt.Errorf("%w: phase record %d has seq %d", ErrCorrupt, i+1, rec.Seq)
		}
	}
	for i, t := range r.Transitions {
		if t.Seq != i+1 {
			return fmt.Errorf("%w: transition %d has seq %d", ErrCorrupt, i+1, t.Seq)
		}
	}
	if r.MaxDebugCycles > 0 && len(r.PendingDebug) > r.MaxDebugCycles {
		return fmt.Errorf("%w: %d pending debug attempts exceed cap %d", ErrCorrupt, len(r.PendingDebug), r.MaxDebugCycles)
	}
	for i, a := range r.PendingDebug {
		if a.Seq != i+1 {
			return fmt.Errorf("%w: pending debug attempt %d has seq %d", ErrCorrupt, i+1, a.Seq)
		}
	}
	if r.Status == StatusComplete {
		last := r.LastRecord()
		if last == nil || last.Outcome != OutcomeOK {
			return fmt.Errorf("%w: COMPLETE without an ok final record", ErrCorrupt)
		}
	}
	return nil
}
