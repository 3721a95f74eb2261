package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"buildloop/pkg/logx"
)

const containerWorkspace = "/workspace"

// DockerExec runs commands in a throwaway container with the project mounted at /workspace.
type DockerExec struct {
	logger    *logx.Logger
	image     string
	dockerCmd string
}

// NewDockerExec creates a docker executor for image. podman is used when docker is absent.
func NewDockerExec(image string) *DockerExec {
	dockerCmd := "docker"
	if _, err := exec.LookPath("podman"); err == nil {
		if _, err := exec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}
	return &DockerExec{
		logger:    logx.NewLogger("docker-exec"),
		image:     image,
		dockerCmd: dockerCmd,
	}
}

// Name returns the executor type name.
func (d *DockerExec) Name() ExecutorType {
	return ExecutorTypeDocker
}

// Available checks that the CLI exists and the daemon answers.
func (d *DockerExec) Available() bool {
	if _, err := exec.LookPath(d.dockerCmd); err != nil {
		d.logger.Debug("docker command not found: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, d.dockerCmd, "version").Run(); err != nil {
		d.logger.Debug("docker daemon not available: %v", err)
		return false
	}
	return true
}

// Run executes cmd in a new container.
func (d *DockerExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		opts = &Opts{}
	}
	start := time.Now()

	containerName := fmt.Sprintf("buildloop-test-%d", start.UnixNano())
	args, err := d.buildArgs(containerName, cmd, opts)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build docker args: %w", err)
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dockerCmd := exec.CommandContext(runCtx, d.dockerCmd, args...)
	dockerCmd.WaitDelay = waitDelay
	var stdout, stderr strings.Builder
	dockerCmd.Stdout = &stdout
	dockerCmd.Stderr = &stderr

	d.logger.Debug("executing: %s %s", d.dockerCmd, strings.Join(args, " "))
	err = dockerCmd.Run()
	if runCtx.Err() != nil {
		d.removeContainer(containerName)
	}

	return finish(ctx, runCtx, Result{
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		Duration:     time.Since(start),
		ExecutorUsed: d.Name(),
	}, err)
}

// removeContainer force-removes a container whose CLI process was killed.
func (d *DockerExec) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", name).Run(); err != nil {
		d.logger.Debug("failed to remove container %s: %v", name, err)
	}
}

func (d *DockerExec) buildArgs(containerName string, cmd []string, opts *Opts) ([]string, error) {
	args := []string{"run", "--rm", "--name", containerName, "--security-opt", "no-new-privileges"}

	if opts.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	if limits := opts.ResourceLimits; limits != nil {
		if limits.CPUs != "" {
			args = append(args, "--cpus", limits.CPUs)
		}
		if limits.Memory != "" {
			args = append(args, "--memory", limits.Memory)
		}
		if limits.PIDs > 0 {
			args = append(args, "--pids-limit", strconv.FormatInt(limits.PIDs, 10))
		}
	}

	if opts.WorkDir != "" {
		abs, err := filepath.Abs(opts.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		args = append(args,
			"--volume", fmt.Sprintf("%s:%s:rw", normalizePath(abs), containerWorkspace),
			"--workdir", containerWorkspace)
	}

	args = append(args, "--tmpfs", "/tmp:exec,nodev,nosuid,size=100m")
	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}

	args = append(args, d.image)
	return append(args, cmd...), nil
}

// normalizePath converts C:\dir to /c/dir for Docker Desktop.
func normalizePath(path string) string {
	if runtime.GOOS == "windows" && len(path) > 2 && path[1] == ':' {
		drive := strings.ToLower(string(path[0]))
		return "/" + drive + strings.ReplaceAll(path[2:], "\\", "/")
	}
	return path
}
