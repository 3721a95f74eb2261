package runstate

import "errors"

var (
	// ErrNotFound indicates no checkpoint exists for the requested run id.
	ErrNotFound = errors.New("run not found")

	// ErrPersistence indicates a checkpoint could not be written or read back.
	ErrPersistence = errors.New("persistence error")

	// ErrBudgetExhausted indicates an iteration or debug-cycle cap was reached.
	ErrBudgetExhausted = errors.New("budget exhausted")

	// ErrInvalidTransition indicates a phase change outside the transition table.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrCorrupt indicates a checkpoint whose journal does not replay to its recorded state.
	ErrCorrupt = errors.New("corrupt checkpoint")
)
