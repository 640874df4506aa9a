package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/me/taskgraph/internal/workspace"
	"github.com/me/taskgraph/pkg/model"
)

// DispatchParallel runs independent steps at once in workspace and returns
// one outcome per step, in input order. No failure policy is applied and no
// run state is kept; dependencies and conditions are ignored. An empty
// workspace uses the configured workspace, or model.DefaultWorkspace.
func (c *Coordinator) DispatchParallel(ctx context.Context, steps []model.Step, root string) ([]model.StepOutcome, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	if root == "" {
		root = c.workspaceRoot(model.DefaultWorkspace)
	}
	ws, err := c.workspace(root)
	if err != nil {
		return nil, err
	}
	return c.dispatchAll(ctx, ws, steps, 1)
}

// dispatchAll binds workers for steps and executes them concurrently,
// bounded by MaxParallel.
func (c *Coordinator) dispatchAll(ctx context.Context, ws *workspace.Manager, steps []model.Step, iteration int) ([]model.StepOutcome, error) {
	wf := &model.Workflow{ID: "parallel", Steps: steps}
	workers, err := c.registry.Resolve(wf)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		if seen[step.ID] {
			return nil, &model.ValidationError{
				WorkflowID: wf.ID,
				Problems:   []model.FieldError{{Field: "step_id", Message: fmt.Sprintf("duplicate step_id %q", step.ID)}},
			}
		}
		seen[step.ID] = true
	}

	outcomes := make([]model.StepOutcome, len(steps))
	var g errgroup.Group
	if c.config.MaxParallel > 0 {
		g.SetLimit(c.config.MaxParallel)
	}
	for i, step := range steps {
		g.Go(func() error {
			outcomes[i] = c.execute(ctx, ws, step, workers[step.ID], 1, iteration)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}
