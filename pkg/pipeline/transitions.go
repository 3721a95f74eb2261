package pipeline

import (
	"fmt"

	"buildloop/pkg/runstate"
)

// transitions lists the forward edges of the phase machine. FAILED is
// reachable from every non-terminal phase, and a status change that keeps the
// phase (pause, resume) is always allowed.
//
//nolint:gochecknoglobals // the transition table
var transitions = map[runstate.Phase][]runstate.Phase{
	runstate.PhasePlanning:      {runstate.PhaseArchitecture},
	runstate.PhaseArchitecture:  {runstate.PhaseCoding},
	runstate.PhaseCoding:        {runstate.PhaseTestAuthoring},
	runstate.PhaseTestAuthoring: {runstate.PhaseTesting},
	runstate.PhaseTesting:       {runstate.PhaseVerification, runstate.PhaseDebugging},
	runstate.PhaseDebugging:     {runstate.PhaseTesting},
	runstate.PhaseVerification:  {runstate.PhaseComplete, runstate.PhaseDebugging, runstate.PhaseTesting},
}

// ValidTransition reports whether the machine may move from one phase to another.
func ValidTransition(from, to runstate.Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == runstate.PhaseFailed || from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// nextPhase is the successor of an actor phase that completed normally.
func nextPhase(p runstate.Phase) runstate.Phase {
	switch p {
	case runstate.PhasePlanning:
		return runstate.PhaseArchitecture
	case runstate.PhaseArchitecture:
		return runstate.PhaseCoding
	case runstate.PhaseCoding:
		return runstate.PhaseTestAuthoring
	case runstate.PhaseTestAuthoring:
		return runstate.PhaseTesting
	default:
		return p
	}
}

func checkTransition(from, to runstate.Phase) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", runstate.ErrInvalidTransition, from, to)
	}
	return nil
}
