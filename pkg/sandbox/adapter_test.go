package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/pkg/config"
	"buildloop/pkg/runstate"
)

func localRunner(command string, timeout time.Duration) *Runner {
	return NewRunnerWithExecutor(NewLocalExec(), config.SandboxConfig{
		Mode:        config.SandboxLocal,
		Timeout:     timeout,
		TestCommand: command,
	})
}

func TestRunTestsPass(t *testing.T) {
	res, err := localRunner("echo ok", 10*time.Second).RunTests(context.Background(), Artifact{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "ok")
	assert.Equal(t, "echo ok", res.Command)
}

func TestRunTestsFailureIsResult(t *testing.T) {
	cmd := `echo "FAILED test_app.py::test_home - assert 404 == 200"; exit 1`
	res, err := localRunner(cmd, 10*time.Second).RunTests(context.Background(), Artifact{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "test_app.py::test_home", res.Diagnostics[0].Message)
}

func TestRunTestsTimeout(t *testing.T) {
	res, err := localRunner("sleep 5", 100*time.Millisecond).RunTests(context.Background(), Artifact{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, runstate.DiagTimeout, res.Diagnostics[0].Kind)
}

func TestRunTestsCommandPrecedence(t *testing.T) {
	r := NewRunnerWithExecutor(NewLocalExec(), config.SandboxConfig{})
	dir := t.TempDir()
	assert.Equal(t, DefaultTestCommand, r.Command(Artifact{Dir: dir}))
	assert.Equal(t, "pytest -q", r.Command(Artifact{Dir: dir, TestCommand: "pytest -q"}))

	r = NewRunnerWithExecutor(NewLocalExec(), config.SandboxConfig{TestCommand: "make check"})
	assert.Equal(t, "make check", r.Command(Artifact{Dir: dir, TestCommand: "pytest -q"}))
}

type panicExecutor struct{}

func (panicExecutor) Run(context.Context, []string, *Opts) (Result, error) { panic("kaboom") }
func (panicExecutor) Name() ExecutorType                                   { return "panic" }
func (panicExecutor) Available() bool                                       { return true }

type brokenExecutor struct{}

func (brokenExecutor) Run(context.Context, []string, *Opts) (Result, error) {
	return Result{ExitCode: -1}, errors.New("exec: \"sh\": executable file not found")
}
func (brokenExecutor) Name() ExecutorType { return "broken" }
func (brokenExecutor) Available() bool    { return true }

func TestRunTestsRecoversPanic(t *testing.T) {
	r := NewRunnerWithExecutor(panicExecutor{}, config.SandboxConfig{TestCommand: "true"})
	res, err := r.RunTests(context.Background(), Artifact{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, runstate.DiagCrash, res.Diagnostics[0].Kind)
	assert.Contains(t, res.Diagnostics[0].Message, "kaboom")
}

func TestRunTestsStartFailureIsCrash(t *testing.T) {
	r := NewRunnerWithExecutor(brokenExecutor{}, config.SandboxConfig{TestCommand: "true"})
	res, err := r.RunTests(context.Background(), Artifact{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, runstate.DiagCrash, res.Diagnostics[0].Kind)
}

func TestRunTestsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := localRunner("sleep 1", time.Minute).RunTests(ctx, Artifact{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestDockerArgs(t *testing.T) {
	d := &DockerExec{image: "python:3.11-slim", dockerCmd: "docker"}
	args, err := d.buildArgs("buildloop-test-1", []string{"sh", "-c", "pytest"}, &Opts{
		WorkDir:         "/tmp/proj",
		NetworkDisabled: true,
		ResourceLimits:  &ResourceLimits{CPUs: "2", Memory: "2g", PIDs: 256},
	})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run --rm --name buildloop-test-1",
		"--security-opt no-new-privileges",
		"--network none",
		"--cpus 2",
		"--memory 2g",
		"--pids-limit 256",
		"--volume /tmp/proj:/workspace:rw",
		"--workdir /workspace",
	} {
		assert.Contains(t, joined, want)
	}
	assert.Equal(t, []string{"python:3.11-slim", "sh", "-c", "pytest"}, args[len(args)-4:])
}
