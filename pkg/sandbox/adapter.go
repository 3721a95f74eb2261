package sandbox

import (
	"context"
	"fmt"
	"time"

	"buildloop/pkg/config"
	"buildloop/pkg/logx"
	"buildloop/pkg/runstate"
)

const maxOutputBytes = 64 << 10

// Artifact is the project tree to test.
type Artifact struct {
	Dir string
	// TestCommand overrides detection when set.
	TestCommand string
}

// Adapter executes a project's tests. Crashes of the executed code or of the
// adapter itself come back as a failing result; only cancellation is an error.
type Adapter interface {
	RunTests(ctx context.Context, artifact Artifact) (*runstate.TestResult, error)
}

// Runner is the Adapter backed by an Executor.
type Runner struct {
	executor Executor
	cfg      config.SandboxConfig
	logger   *logx.Logger
	now      func() time.Time
}

// NewRunner selects the executor for cfg.Mode. In auto mode docker is used
// when the daemon answers, local execution otherwise.
func NewRunner(cfg config.SandboxConfig) (*Runner, error) {
	logger := logx.NewLogger("sandbox")

	var executor Executor
	switch cfg.Mode {
	case config.SandboxLocal:
		executor = NewLocalExec()
	case config.SandboxDocker:
		docker := NewDockerExec(cfg.Image)
		if !docker.Available() {
			return nil, fmt.Errorf("sandbox mode docker requested but docker is not available")
		}
		executor = docker
	case config.SandboxAuto, "":
		if docker := NewDockerExec(cfg.Image); docker.Available() {
			executor = docker
		} else {
			logger.Warn("docker not available, running tests locally without isolation")
			executor = NewLocalExec()
		}
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}

	logger.Info("sandbox executor: %s", executor.Name())
	return NewRunnerWithExecutor(executor, cfg), nil
}

// NewRunnerWithExecutor builds a Runner over an explicit executor.
func NewRunnerWithExecutor(executor Executor, cfg config.SandboxConfig) *Runner {
	return &Runner{
		executor: executor,
		cfg:      cfg,
		logger:   logx.NewLogger("sandbox"),
		now:      time.Now,
	}
}

// Executor returns the backend in use.
func (r *Runner) Executor() Executor { return r.executor }

// Command resolves the test command for artifact.
func (r *Runner) Command(artifact Artifact) string {
	switch {
	case r.cfg.TestCommand != "":
		return r.cfg.TestCommand
	case artifact.TestCommand != "":
		return artifact.TestCommand
	default:
		return DetectTestCommand(artifact.Dir)
	}
}

// RunTests runs the project's tests once.
func (r *Runner) RunTests(ctx context.Context, artifact Artifact) (result *runstate.TestResult, err error) {
	command := r.Command(artifact)
	started := r.now()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sandbox panic while running %q: %v", command, p)
			result = crashResult(command, fmt.Sprintf("sandbox panic: %v", p), started)
			err = nil
		}
	}()

	opts := &Opts{
		WorkDir:         artifact.Dir,
		Timeout:         r.cfg.Timeout,
		NetworkDisabled: true,
		ResourceLimits: &ResourceLimits{
			CPUs:   r.cfg.CPUs,
			Memory: r.cfg.Memory,
			PIDs:   int64(r.cfg.PIDs),
		},
	}

	res, runErr := r.executor.Run(ctx, []string{"sh", "-c", command}, opts)
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run tests: %w", ctx.Err())
		}
		r.logger.Warn("test command %q could not run: %v", command, runErr)
		return crashResult(command, runErr.Error(), started), nil
	}

	diags := Diagnose(command, res, r.cfg.Timeout)
	result = &runstate.TestResult{
		Passed:      len(diags) == 0,
		Diagnostics: diags,
		ExitCode:    res.ExitCode,
		Command:     command,
		Output:      truncateOutput(res.Output()),
		Duration:    res.Duration,
		At:          started,
	}
	r.logger.Debug("%s: %s in %s", command, result.Summary(), res.Duration)
	return result, nil
}

func crashResult(command, message string, at time.Time) *runstate.TestResult {
	return &runstate.TestResult{
		Passed:      false,
		Diagnostics: []runstate.Diagnostic{{Kind: runstate.DiagCrash, Message: message}},
		ExitCode:    -1,
		Command:     command,
		At:          at,
	}
}

func truncateOutput(out string) string {
	if len(out) <= maxOutputBytes {
		return out
	}
	return "[truncated]...\n" + out[len(out)-maxOutputBytes:]
}
