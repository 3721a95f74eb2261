package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active runs, or every run with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if !all {
				ids, err := store.ListActive(cmd.Context())
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			summaries, err := store.List(cmd.Context())
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tPHASE\tSTATUS\tITERATION\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.ProjectName, s.Phase, s.Status, s.Iteration, s.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include completed and failed runs")
	return cmd
}
