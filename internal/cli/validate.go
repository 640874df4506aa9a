package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/me/taskgraph/internal/parser"
	"github.com/me/taskgraph/pkg/model"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var checkWorkers bool

	cmd := &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Check a workflow file and print its batch plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			wf, err := parser.New(logger).ParseFile(args[0])
			if err != nil {
				return err
			}

			dag, err := parser.BuildDAG(wf)
			if err == nil && checkWorkers {
				_, err = cfg.NewRegistry(logger).Resolve(wf)
			}
			if err != nil {
				printProblems(cmd, err)
				return fmt.Errorf("workflow %s is invalid", wf.ID)
			}

			fmt.Fprintf(out, "Workflow %s is valid: %d step(s), %d batch(es)\n", wf.ID, len(wf.Steps), len(dag.Levels))
			fmt.Fprintf(out, "Order: %s\n", strings.Join(dag.Order, " -> "))
			for i, level := range dag.Levels {
				fmt.Fprintf(out, "  batch %d: %s\n", i+1, strings.Join(level, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkWorkers, "check-workers", true, "Also check that every agent is a configured worker")
	return cmd
}

func printProblems(cmd *cobra.Command, err error) {
	out := cmd.OutOrStdout()
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintf(out, "Workflow %s has %d problem(s):\n", verr.WorkflowID, len(verr.Problems))
		for _, p := range verr.Problems {
			if p.Path != "" {
				fmt.Fprintf(out, "  %s: %s\n", p.Path, p.Message)
			} else {
				fmt.Fprintf(out, "  %s\n", p.Message)
			}
		}
		return
	}
	fmt.Fprintf(out, "%v\n", err)
}

func newInitCmd() *cobra.Command {
	var id, name, description string
	var force bool

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a template workflow to edit",
		Long: `Init writes a three-step setup, implementation and testing workflow.
Files ending in .yaml or .yml are written as YAML, anything else as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := parser.WriteFile(path, model.TemplateWorkflow(id, name, description)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Template workflow written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "template", "Workflow id")
	cmd.Flags().StringVar(&name, "name", "Template Workflow", "Workflow name")
	cmd.Flags().StringVar(&description, "description", "Setup, implementation and testing", "Workflow description")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
