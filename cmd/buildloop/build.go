package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"buildloop/pkg/runstate"
)

func newBuildCmd(opts *globalOptions) *cobra.Command {
	var (
		name          string
		maxIterations int
	)
	cmd := &cobra.Command{
		Use:   "build <requirement>",
		Short: "Create a run for a requirement and drive it to completion",
		Example: `  buildloop build "a CLI calculator with add and subtract"
  buildloop build --name calc --max-iterations 40 "a CLI calculator"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requirement := strings.TrimSpace(strings.Join(args, " "))
			if requirement == "" {
				return usageError("requirement cannot be empty")
			}
			if cmd.Flags().Changed("max-iterations") && maxIterations <= 0 {
				return usageError("--max-iterations must be positive, got %d", maxIterations)
			}

			out := cmd.OutOrStdout()
			a, err := newApp(opts, out)
			if err != nil {
				return err
			}
			defer closeApp(a, cmd.ErrOrStderr())

			ctx, stop := pauseOnSignal(cmd.Context(), a.orch, cmd.ErrOrStderr())
			defer stop()

			run, err := a.orch.Start(ctx, requirement, name, maxIterations)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			fmt.Fprintf(out, "Run %s: building %s in %s (budget %d iterations)\n",
				run.ID, run.ProjectName, run.WorkspacePath, run.MaxIterations)

			run, err = a.orch.Drive(ctx, run)
			printOutcome(out, run)
			return runExit(run, err)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: derived from the requirement)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget for this run (default: limits.max_iterations)")
	return cmd
}

// printOutcome reports where a driven run ended.
func printOutcome(out io.Writer, run *runstate.Run) {
	if run == nil {
		return
	}
	switch run.Status {
	case runstate.StatusComplete:
		fmt.Fprintf(out, "Run %s COMPLETE after %d iterations\n", run.ID, run.Iteration)
	case runstate.StatusPaused:
		fmt.Fprintf(out, "Run %s PAUSED at %s after %d iterations; continue with: buildloop resume %s\n",
			run.ID, run.Phase, run.Iteration, run.ID)
	case runstate.StatusFailed:
		fmt.Fprintf(out, "Run %s FAILED after %d iterations: %s\n", run.ID, run.Iteration, run.FailureReason)
	default:
		fmt.Fprintf(out, "Run %s %s at %s\n", run.ID, run.Status, run.Phase)
	}
	s := run.Stats
	fmt.Fprintf(out, "  files created %d, modified %d; tests run %d; bugs fixed %d; debug cycles %d\n",
		s.FilesCreated, s.FilesModified, s.TestsRun, s.BugsFixed, s.DebugCycles)
	fmt.Fprintf(out, "  workspace: %s\n", run.WorkspacePath)
}
