package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"buildloop/pkg/runstate"
)

// Exit codes.
const (
	exitComplete = 0
	exitFailed   = 1
	exitUsage    = 2
	exitPaused   = 3
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "buildloop",
		Short: "Autonomous build loop - from requirement to tested project",
		Long: `buildloop drives a language model through planning, architecture, coding,
test authoring, testing, debugging and verification until the generated
project passes its tests and a confidence gate, or a hard budget runs out.
Runs are checkpointed after every step and can be paused and resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newBuildCmd(opts),
		newResumeCmd(opts),
		newStatusCmd(opts),
		newEventsCmd(opts),
		newListCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitComplete
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	// flag, argument and configuration problems
	fmt.Fprintln(stderr, "Error:", err)
	return exitUsage
}

// runExit maps the final state of a driven run to an exit error, or nil when it completed.
func runExit(run *runstate.Run, err error) error {
	if run == nil {
		return &exitError{code: exitFailed, err: err}
	}
	switch run.Status {
	case runstate.StatusComplete:
		return nil
	case runstate.StatusPaused:
		return &exitError{code: exitPaused, err: err}
	default:
		if err == nil && run.FailureReason != "" {
			err = errors.New(run.FailureReason)
		}
		return &exitError{code: exitFailed, err: err}
	}
}

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}
