package scheduler

import (
	"context"
	"fmt"

	"github.com/me/taskgraph/pkg/model"
)

// Iteration budgets for the peer review phases.
const (
	reviewPrimaryIterations     = 3
	reviewReviewerIterations    = 1
	reviewIncorporateIterations = 2
)

// PeerReview has primary perform task, lets every reviewer critique the
// result concurrently and then has primary incorporate the feedback. All
// phases share the workspace at root. When the primary phase fails the
// review stops early and the result reports no incorporation; this is not
// an error. Unknown worker names fail before anything runs.
func (c *Coordinator) PeerReview(ctx context.Context, task, primary string, reviewers []string, root string) (*model.PeerReviewResult, error) {
	primaryStep := model.Step{
		ID:         "primary",
		Worker:     primary,
		Task:       task,
		Iterations: reviewPrimaryIterations,
	}
	reviewSteps := make([]model.Step, len(reviewers))
	for i, name := range reviewers {
		reviewSteps[i] = model.Step{
			ID:         fmt.Sprintf("review_%d", i+1),
			Worker:     name,
			Task:       reviewTask(task),
			Iterations: reviewReviewerIterations,
		}
	}
	incorporateStep := model.Step{
		ID:         "incorporate",
		Worker:     primary,
		Task:       incorporationTask(task),
		Iterations: reviewIncorporateIterations,
	}

	all := append([]model.Step{primaryStep}, reviewSteps...)
	if _, err := c.registry.Resolve(&model.Workflow{ID: "peer_review", Steps: all}); err != nil {
		return nil, err
	}
	if root == "" {
		root = c.workspaceRoot(model.DefaultWorkspace)
	}
	ws, err := c.workspace(root)
	if err != nil {
		return nil, err
	}

	start := c.now()
	result := &model.PeerReviewResult{Task: task}
	defer func() { result.Duration = c.now().Sub(start) }()

	log := c.logger.With("primary", primary, "reviewers", len(reviewers))
	log.Info("peer review started")

	outcomes, err := c.dispatchAll(ctx, ws, []model.Step{primaryStep}, 1)
	if err != nil {
		return nil, err
	}
	result.Primary = outcomes[0]
	if !result.Primary.Success() {
		log.Warn("primary phase failed; skipping review", "error", result.Primary.Error)
		return result, nil
	}

	if len(reviewSteps) > 0 {
		result.Reviews, err = c.dispatchAll(ctx, ws, reviewSteps, 2)
		if err != nil {
			return nil, err
		}
	}
	for _, r := range result.Reviews {
		if !r.Success() {
			log.Warn("reviewer failed", "worker", r.Worker, "error", r.Error)
		}
	}

	outcomes, err = c.dispatchAll(ctx, ws, []model.Step{incorporateStep}, 3)
	if err != nil {
		return nil, err
	}
	result.Incorporation = &outcomes[0]
	log.Info("peer review finished", "success", result.Success())
	return result, nil
}

func reviewTask(task string) string {
	return "Review the work in the workspace. Provide feedback on code quality, correctness, and potential improvements. Focus on: " + task
}

func incorporationTask(task string) string {
	return "Review the feedback from peer reviewers and make improvements to the work. Address the issues raised in the review. Task: " + task
}
