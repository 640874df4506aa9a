// Package scheduler drives workflow runs: it resolves ready sets, dispatches
// steps to workers, folds outcomes through the failure policy and records
// checkpoints between batches.
package scheduler

import (
	"context"
	"fmt"

	"github.com/me/taskgraph/internal/checkpoint"
	"github.com/me/taskgraph/internal/workspace"
	"github.com/me/taskgraph/pkg/model"
)

// Mode selects how ready steps are dispatched.
type Mode string

const (
	// ModeSequential dispatches one ready step at a time in priority order.
	ModeSequential Mode = "sequential"
	// ModeParallel dispatches every step of a dependency-free workflow at once.
	ModeParallel Mode = "parallel"
	// ModeBatched dispatches the whole ready set concurrently; each batch is
	// a barrier.
	ModeBatched Mode = "batched"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeBatched:
		return true
	}
	return false
}

// Config holds scheduler configuration.
type Config struct {
	Mode Mode
	// MaxParallel bounds concurrent dispatches inside one batch. 0 means no limit.
	MaxParallel int
	// MaxAttempts bounds dispatches of a step with the retry policy.
	// Values <= 0 allow unlimited retries.
	MaxAttempts int
	// ExhaustedPolicy applies when a retrying step runs out of attempts.
	ExhaustedPolicy model.FailurePolicy
	// CheckpointEvery takes a checkpoint after every n-th batch. Values <= 0
	// checkpoint only when the run ends.
	CheckpointEvery int
	// Workspace overrides the workflow's default workspace when set.
	Workspace     string
	WorkspaceMode workspace.Mode
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeBatched,
		MaxAttempts:     3,
		ExhaustedPolicy: model.FailurePolicyStop,
		CheckpointEvery: 1,
		WorkspaceMode:   workspace.ModeShared,
	}
}

// Validate rejects unknown modes and policies.
func (c Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("unknown execution mode %q", c.Mode)
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max parallel must be >= 0, got %d", c.MaxParallel)
	}
	switch c.ExhaustedPolicy {
	case model.FailurePolicyStop, model.FailurePolicyContinue:
	default:
		return fmt.Errorf("exhausted policy must be stop or continue, got %q", c.ExhaustedPolicy)
	}
	if c.WorkspaceMode != "" && !c.WorkspaceMode.IsValid() {
		return fmt.Errorf("unknown workspace mode %q", c.WorkspaceMode)
	}
	return nil
}

// ConditionFunc decides whether a step guarded by condition may run, given
// the result tokens of the run so far.
type ConditionFunc func(condition string, results map[string]string) bool

// ResultPresent is the default ConditionFunc: the condition names a step
// that has produced a result.
func ResultPresent(condition string, results map[string]string) bool {
	_, ok := results[condition]
	return ok
}

// CheckpointStore persists and reloads run checkpoints.
type CheckpointStore interface {
	Create(ctx context.Context, req checkpoint.Request) (string, error)
	Load(ctx context.Context, id string) (*model.Checkpoint, error)
	// LatestFor returns the newest checkpoint of the given workflow.
	LatestFor(ctx context.Context, workflowID string) (*model.Checkpoint, error)
}
