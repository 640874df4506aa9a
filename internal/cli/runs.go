package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/taskgraph/internal/store"
	"github.com/me/taskgraph/pkg/model"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse the run history",
	}
	cmd.PersistentFlags().StringVar(&db, "db", "", "Run history database (default from config)")

	open := func(cmd *cobra.Command) (*store.SQLiteStore, error) {
		if cmd.Flags().Changed("db") {
			cfg.DBPath = db
		}
		return openHistory(cmd.Context())
	}

	var opts model.ListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, total, err := st.ListRuns(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-24s  %-24s  %-7s  %s\n", "ID", "STATUS", "WORKFLOW", "BATCHES", "STARTED")
			fmt.Fprintf(out, "%-40s  %-24s  %-24s  %-7s  %s\n", "----", "------", "--------", "-------", "-------")
			for _, r := range runs {
				fmt.Fprintf(out, "%-40s  %-24s  %-24s  %-7d  %s\n", r.ID, r.Status, r.WorkflowID, r.Batches, humanize.Time(r.StartedAt))
			}
			if opts.Page(len(runs), total).HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), total)
			}
			return nil
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 20, "Maximum runs to show")
	list.Flags().IntVar(&opts.Offset, "offset", 0, "Runs to skip")
	list.Flags().StringVar(&opts.Status, "status", "", "Only show runs in this status")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run report and its step events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			events, err := st.ListStepEvents(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if run.Report != nil {
				fmt.Fprint(out, run.Report.Summary())
			} else {
				fmt.Fprintf(out, "Run %s (workflow %s): %s\n", run.ID, run.WorkflowID, run.Status)
			}
			if run.ResumedFrom != "" {
				fmt.Fprintf(out, "  resumed from checkpoint %s\n", run.ResumedFrom)
			}
			if run.LastCheckpoint != "" {
				fmt.Fprintf(out, "  last checkpoint %s\n", run.LastCheckpoint)
			}

			if len(events) > 0 {
				fmt.Fprintf(out, "\n%-4s  %-20s  %-8s  %-7s  %-8s  %s\n", "ITER", "STEP", "ACTION", "ATTEMPT", "DURATION", "DETAIL")
				for _, ev := range events {
					detail := ev.Result
					if ev.Error != "" {
						detail = ev.Error
					}
					fmt.Fprintf(out, "%-4d  %-20s  %-8s  %-7d  %-8s  %s\n", ev.Iteration, ev.StepID, ev.Action, ev.Attempt,
						ev.EndedAt.Sub(ev.StartedAt).Round(time.Millisecond), detail)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
