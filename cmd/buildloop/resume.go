package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"buildloop/pkg/runstate"
)

func newResumeCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Continue a paused or interrupted run",
		Long: `Continue a run from its last checkpoint. With --all, every active or paused
run is resumed concurrently.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return usageError("specify exactly one of <run-id> or --all")
			}

			out := cmd.OutOrStdout()
			a, err := newApp(opts, out)
			if err != nil {
				return err
			}
			defer closeApp(a, cmd.ErrOrStderr())

			ctx, stop := pauseOnSignal(cmd.Context(), a.orch, cmd.ErrOrStderr())
			defer stop()

			if !all {
				run, err := a.orch.Resume(ctx, args[0])
				if errors.Is(err, runstate.ErrNotFound) {
					return usageError("%v", err)
				}
				printOutcome(out, run)
				return runExit(run, err)
			}

			ids, err := a.store.ListActive(ctx)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if len(ids) == 0 {
				fmt.Fprintln(out, "No active runs.")
				return nil
			}

			runs := make([]*runstate.Run, len(ids))
			errs := make([]error, len(ids))
			var g errgroup.Group
			for i, id := range ids {
				g.Go(func() error {
					runs[i], errs[i] = a.orch.Resume(ctx, id)
					if errors.Is(errs[i], runstate.ErrPersistence) {
						return errs[i]
					}
					return nil
				})
			}
			fatal := g.Wait()

			for i, id := range ids {
				if runs[i] == nil {
					fmt.Fprintf(out, "Run %s: %v\n", id, errs[i])
					continue
				}
				printOutcome(out, runs[i])
			}
			if fatal != nil {
				return &exitError{code: exitFailed, err: fatal}
			}
			return aggregateExit(runs, errs)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "resume every active or paused run")
	return cmd
}

// aggregateExit fails if any run failed, pauses if any run paused, and succeeds otherwise.
func aggregateExit(runs []*runstate.Run, errs []error) error {
	failed, paused := 0, 0
	for i, run := range runs {
		switch {
		case run == nil, run.Status == runstate.StatusFailed, errs[i] != nil && run.Status != runstate.StatusPaused:
			failed++
		case run.Status == runstate.StatusPaused:
			paused++
		}
	}
	if failed > 0 {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d of %d runs failed", failed, len(runs))}
	}
	if paused > 0 {
		return &exitError{code: exitPaused, err: fmt.Errorf("%d of %d runs paused", paused, len(runs))}
	}
	return nil
}
