// Package sandbox runs a project's tests in isolation and turns the outcome into a structured test result.
package sandbox

import (
	"context"
	"time"
)

// ExecutorType names an execution backend.
type ExecutorType string

const (
	ExecutorTypeLocal  ExecutorType = "local"
	ExecutorTypeDocker ExecutorType = "docker"
)

// Executor runs one command and captures its output.
type Executor interface {
	// Run executes cmd. A non-zero exit is reported in Result, not as an error.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type for logging.
	Name() ExecutorType

	// Available reports whether the executor can be used here.
	Available() bool
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format).
	Env []string

	// ResourceLimits applies to container executors only.
	ResourceLimits *ResourceLimits

	// Timeout is the maximum duration for command execution.
	Timeout time.Duration

	// WorkDir is the project directory.
	WorkDir string

	// NetworkDisabled cuts container networking.
	NetworkDisabled bool
}

// ResourceLimits defines resource constraints for command execution.
type ResourceLimits struct {
	CPUs   string // e.g. "2" or "1.5"
	Memory string // e.g. "2g", "512m"
	PIDs   int64
}

// Result contains the result of command execution.
type Result struct {
	Stdout       string
	Stderr       string
	ExecutorUsed ExecutorType
	Duration     time.Duration
	ExitCode     int
	TimedOut     bool
}

// Output joins stdout and stderr.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}
