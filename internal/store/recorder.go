package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/taskgraph/internal/scheduler"
	"github.com/me/taskgraph/pkg/model"
)

var _ scheduler.Reporter = (*Recorder)(nil)

// Recorder persists run events to a Store. Write failures are logged and
// never interrupt the run.
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder creates a Recorder writing to st.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   st,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "recorder"),
	}
}

func (r *Recorder) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *Recorder) RunStarted(wf *model.Workflow, state *model.RunState, resumedFrom string) {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.store.SaveWorkflow(ctx, wf); err != nil {
		r.logger.Error("save workflow", "workflow_id", wf.ID, "error", err)
	}

	existing, err := r.store.GetRun(ctx, state.RunID)
	if err != nil {
		r.logger.Error("get run", "run_id", state.RunID, "error", err)
		return
	}
	if existing != nil {
		existing.Status = state.Status
		existing.ResumedFrom = resumedFrom
		existing.AbortStep = ""
		existing.AbortCause = ""
		existing.EndedAt = nil
		existing.Report = nil
		if err := r.store.UpdateRun(ctx, existing); err != nil {
			r.logger.Error("update run", "run_id", state.RunID, "error", err)
		}
		return
	}

	run := &model.RunRecord{
		ID:           state.RunID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       state.Status,
		Batches:      state.Iteration,
		Usage:        state.Usage,
		ResumedFrom:  resumedFrom,
		StartedAt:    state.StartedAt.UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.logger.Error("create run", "run_id", state.RunID, "error", err)
	}
}

func (r *Recorder) BatchStarted(string, int, []string) {}

func (r *Recorder) StepFinished(runID string, outcome model.StepOutcome, action scheduler.Action) {
	r.addEvent(&model.StepEvent{
		RunID:     runID,
		StepID:    outcome.StepID,
		Worker:    outcome.Worker,
		Attempt:   outcome.Attempt,
		Iteration: outcome.Iteration,
		Action:    action.String(),
		Result:    outcome.Result,
		Error:     outcome.Error,
		Usage:     outcome.Usage,
		StartedAt: outcome.StartedAt.UTC(),
		EndedAt:   outcome.EndedAt.UTC(),
	})
}

func (r *Recorder) StepSkipped(runID, stepID string) {
	now := time.Now().UTC()
	r.addEvent(&model.StepEvent{RunID: runID, StepID: stepID, Action: model.StepEventSkipped, StartedAt: now, EndedAt: now})
}

func (r *Recorder) StepBlocked(runID, stepID string) {
	now := time.Now().UTC()
	r.addEvent(&model.StepEvent{RunID: runID, StepID: stepID, Action: model.StepEventBlocked, StartedAt: now, EndedAt: now})
}

func (r *Recorder) BatchFinished(string, int) {}

func (r *Recorder) CheckpointTaken(runID, checkpointID string, iteration int) {
	r.update(runID, func(run *model.RunRecord) {
		run.LastCheckpoint = checkpointID
		run.Batches = iteration
	})
}

func (r *Recorder) RunFinished(report *model.RunReport) {
	r.update(report.RunID, func(run *model.RunRecord) {
		run.Status = report.Status
		run.Batches = report.Batches
		run.Usage = report.Usage
		run.AbortStep = report.AbortStep
		run.AbortCause = report.AbortCause
		run.Report = report
		ended := report.EndedAt.UTC()
		run.EndedAt = &ended
	})
}

func (r *Recorder) addEvent(ev *model.StepEvent) {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.store.AddStepEvent(ctx, ev); err != nil {
		r.logger.Error("record step event", "run_id", ev.RunID, "step_id", ev.StepID, "error", err)
	}
}

func (r *Recorder) update(runID string, apply func(*model.RunRecord)) {
	ctx, cancel := r.ctx()
	defer cancel()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		r.logger.Error("load run for update", "run_id", runID, "error", err)
		return
	}
	apply(run)
	if err := r.store.UpdateRun(ctx, run); err != nil {
		r.logger.Error("update run", "run_id", runID, "error", err)
	}
}
