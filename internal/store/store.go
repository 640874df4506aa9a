package store

import (
	"context"

	"github.com/me/taskgraph/pkg/model"
)

// Store defines the persistence layer for run history.
// Get methods return (nil, nil) when the entity does not exist.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)

	// Runs
	CreateRun(ctx context.Context, run *model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.RunRecord, int, error)
	UpdateRun(ctx context.Context, run *model.RunRecord) error

	// Step events
	AddStepEvent(ctx context.Context, ev *model.StepEvent) error
	ListStepEvents(ctx context.Context, runID string) ([]*model.StepEvent, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
