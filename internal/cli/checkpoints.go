package cli

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/me/taskgraph/internal/checkpoint"
	"github.com/spf13/cobra"
)

func newCheckpointsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and prune checkpoints",
	}
	cmd.PersistentFlags().StringVar(&dir, "checkpoint-dir", "", "Checkpoint directory (default from config)")

	open := func(cmd *cobra.Command) (*checkpoint.FileStore, error) {
		if cmd.Flags().Changed("checkpoint-dir") {
			cfg.CheckpointDir = dir
		}
		return openCheckpoints()
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List checkpoints, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cps, err := open(cmd)
				if err != nil {
					return err
				}
				metas, err := cps.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("list checkpoints: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), checkpoint.Summary(metas))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show a checkpoint and the run state it holds",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cps, err := open(cmd)
				if err != nil {
					return err
				}
				cp, err := cps.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				snap, err := cp.Snapshot()
				if err != nil {
					return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
				}

				out := cmd.OutOrStdout()
				m := cp.Metadata
				fmt.Fprintf(out, "Checkpoint: %s\n", cp.ID)
				fmt.Fprintf(out, "Created:    %s (%s)\n", m.Timestamp.Local().Format("2006-01-02 15:04:05"), humanize.Time(m.Timestamp))
				fmt.Fprintf(out, "Run:        %s (workflow %s)\n", snap.RunID, snap.WorkflowID)
				fmt.Fprintf(out, "Status:     %s\n", snap.Status)
				fmt.Fprintf(out, "Iteration:  %d\n", m.Iteration)
				fmt.Fprintf(out, "Workspace:  %s (%d files)\n", m.WorkspacePath, m.FilesCreated)
				fmt.Fprintf(out, "Usage:      %s\n", humanize.Comma(m.Usage))

				ids := make([]string, 0, len(snap.Steps))
				for id := range snap.Steps {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				fmt.Fprintf(out, "\n%-24s  %-10s  %-8s  %s\n", "STEP", "STATUS", "ATTEMPTS", "RESULT")
				for _, id := range ids {
					fmt.Fprintf(out, "%-24s  %-10s  %-8d  %s\n", id, snap.Steps[id], snap.Attempts[id], snap.Results[id])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete one checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cps, err := open(cmd)
				if err != nil {
					return err
				}
				found, err := cps.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("checkpoint %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted checkpoint %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every checkpoint",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cps, err := open(cmd)
				if err != nil {
					return err
				}
				n, err := cps.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d checkpoint(s) from %s\n", n, cps.Dir())
				return nil
			},
		},
	)
	return cmd
}
