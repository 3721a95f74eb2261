package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"buildloop/pkg/eventlog"
)

func newEventsCmd(opts *globalOptions) *cobra.Command {
	var eventType string
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			events, err := runEvents(cfg.Events.Dir, args[0], eventType)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if len(events) == 0 {
				return usageError("no events recorded for run %s", args[0])
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tPHASE\tIT\tOUTCOME\tMESSAGE")
			for _, ev := range events {
				phase := ev.Phase
				if ev.Type == eventlog.TypeTransition {
					phase = ev.From + " -> " + ev.To
				}
				outcome := ev.Outcome
				if outcome == "" {
					outcome = ev.Status
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					ev.Time.Format(time.RFC3339), ev.Type, phase, ev.Iteration, outcome, ev.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type (e.g. transition, test_run)")
	return cmd
}

// runEvents collects the events of runID from every daily log file, oldest first.
func runEvents(dir, runID, eventType string) ([]eventlog.Event, error) {
	files, err := eventlog.ListLogFiles(dir)
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	sort.Strings(files)

	var out []eventlog.Event
	for _, file := range files {
		events, err := eventlog.ReadEvents(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		for _, ev := range events {
			if ev.RunID != runID || (eventType != "" && ev.Type != eventType) {
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}
