package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"buildloop/pkg/runstate"
)

// statusView is the read-only report of one run.
type statusView struct {
	ID            string         `json:"id" yaml:"id"`
	Project       string         `json:"project" yaml:"project"`
	Requirement   string         `json:"requirement" yaml:"requirement"`
	Phase         runstate.Phase `json:"phase" yaml:"phase"`
	Status        string         `json:"status" yaml:"status"`
	Iteration     int            `json:"iteration" yaml:"iteration"`
	MaxIterations int            `json:"max_iterations" yaml:"max_iterations"`
	Progress      float64        `json:"progress" yaml:"progress"`
	Stats         runstate.Stats `json:"stats" yaml:"stats"`
	LastTest      string         `json:"last_test,omitempty" yaml:"last_test,omitempty"`
	PendingDebug  int            `json:"pending_debug_attempts,omitempty" yaml:"pending_debug_attempts,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	Workspace     string         `json:"workspace" yaml:"workspace"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
	History       []historyLine  `json:"history,omitempty" yaml:"history,omitempty"`
}

// historyLine is one phase record as listed by status --history.
type historyLine struct {
	Seq         int              `json:"seq" yaml:"seq"`
	Phase       runstate.Phase   `json:"phase" yaml:"phase"`
	Outcome     runstate.Outcome `json:"outcome" yaml:"outcome"`
	Confidence  int              `json:"confidence" yaml:"confidence"`
	ArtifactRef string           `json:"artifact_ref,omitempty" yaml:"artifact_ref,omitempty"`
	Summary     string           `json:"summary,omitempty" yaml:"summary,omitempty"`
	At          time.Time        `json:"at" yaml:"at"`
}

func newStatusView(run *runstate.Run) statusView {
	v := statusView{
		ID:            run.ID,
		Project:       run.ProjectName,
		Requirement:   run.Requirement,
		Phase:         run.Phase,
		Status:        string(run.Status),
		Iteration:     run.Iteration,
		MaxIterations: run.MaxIterations,
		Progress:      run.Progress(),
		Stats:         run.Stats,
		PendingDebug:  len(run.PendingDebug),
		FailureReason: run.FailureReason,
		Workspace:     run.WorkspacePath,
		UpdatedAt:     run.UpdatedAt,
	}
	if run.LastTest != nil {
		v.LastTest = run.LastTest.Summary()
	}
	return v
}

func newHistoryLines(records []runstate.PhaseRecord) []historyLine {
	out := make([]historyLine, len(records))
	for i, rec := range records {
		out[i] = historyLine{
			Seq:         rec.Seq,
			Phase:       rec.Phase,
			Outcome:     rec.Outcome,
			Confidence:  rec.Confidence,
			ArtifactRef: rec.ArtifactRef,
			Summary:     rec.Summary,
			At:          rec.At,
		}
	}
	return out
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		output  string
		history bool
	)
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the phase, progress and statistics of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case "text", "json", "yaml":
			default:
				return usageError("unknown output format %q (want text, json or yaml)", output)
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.Load(cmd.Context(), args[0])
			if errors.Is(err, runstate.ErrNotFound) {
				return usageError("%v", err)
			}
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			v := newStatusView(run)
			if history {
				records, err := store.History(cmd.Context(), run.ID)
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				v.History = newHistoryLines(records)
			}
			return writeStatus(cmd.OutOrStdout(), v, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	cmd.Flags().BoolVar(&history, "history", false, "include the phase record history")
	return cmd
}

func writeStatus(out io.Writer, v statusView, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return enc.Close()
	}

	fmt.Fprintf(out, "Run:        %s\n", v.ID)
	fmt.Fprintf(out, "Project:    %s\n", v.Project)
	fmt.Fprintf(out, "Status:     %s\n", v.Status)
	fmt.Fprintf(out, "Phase:      %s\n", v.Phase)
	fmt.Fprintf(out, "Iteration:  %d/%d\n", v.Iteration, v.MaxIterations)
	fmt.Fprintf(out, "Progress:   %.1f%%\n", v.Progress)
	if v.LastTest != "" {
		fmt.Fprintf(out, "Last test:  %s\n", v.LastTest)
	}
	if v.PendingDebug > 0 {
		fmt.Fprintf(out, "Debugging:  %d attempts in progress\n", v.PendingDebug)
	}
	if v.FailureReason != "" {
		fmt.Fprintf(out, "Failure:    %s\n", v.FailureReason)
	}
	s := v.Stats
	fmt.Fprintf(out, "Stats:      files created %d, modified %d; tests run %d; bugs fixed %d; debug cycles %d\n",
		s.FilesCreated, s.FilesModified, s.TestsRun, s.BugsFixed, s.DebugCycles)
	fmt.Fprintf(out, "Workspace:  %s\n", v.Workspace)
	fmt.Fprintf(out, "Updated:    %s\n", v.UpdatedAt.Format(time.RFC3339))
	if len(v.History) == 0 {
		return nil
	}

	fmt.Fprintln(out, "History:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SEQ\tPHASE\tOUTCOME\tCONFIDENCE\tREF\tSUMMARY")
	for _, h := range v.History {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%s\t%s\n", h.Seq, h.Phase, h.Outcome, h.Confidence, shortID(h.ArtifactRef), h.Summary)
	}
	return w.Flush()
}
