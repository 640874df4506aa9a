package scheduler

import (
	"log/slog"

	"github.com/me/taskgraph/pkg/model"
)

// Reporter observes run transitions. Calls come from the coordinator
// goroutine only, in order.
type Reporter interface {
	// RunStarted is called once the run is RUNNING. resumedFrom is the
	// checkpoint id for resumed runs and empty otherwise.
	RunStarted(wf *model.Workflow, state *model.RunState, resumedFrom string)
	BatchStarted(runID string, iteration int, stepIDs []string)
	StepFinished(runID string, outcome model.StepOutcome, action Action)
	StepSkipped(runID, stepID string)
	StepBlocked(runID, stepID string)
	BatchFinished(runID string, iteration int)
	CheckpointTaken(runID, checkpointID string, iteration int)
	RunFinished(report *model.RunReport)
}

// NopReporter ignores every event.
type NopReporter struct{}

func (NopReporter) RunStarted(*model.Workflow, *model.RunState, string) {}
func (NopReporter) BatchStarted(string, int, []string)                  {}
func (NopReporter) StepFinished(string, model.StepOutcome, Action)      {}
func (NopReporter) StepSkipped(string, string)                          {}
func (NopReporter) StepBlocked(string, string)                          {}
func (NopReporter) BatchFinished(string, int)                           {}
func (NopReporter) CheckpointTaken(string, string, int)                 {}
func (NopReporter) RunFinished(*model.RunReport)                        {}

// MultiReporter forwards every event to each reporter in turn.
type MultiReporter []Reporter

func (m MultiReporter) RunStarted(wf *model.Workflow, state *model.RunState, resumedFrom string) {
	for _, r := range m {
		r.RunStarted(wf, state, resumedFrom)
	}
}

func (m MultiReporter) BatchStarted(runID string, iteration int, stepIDs []string) {
	for _, r := range m {
		r.BatchStarted(runID, iteration, stepIDs)
	}
}

func (m MultiReporter) StepFinished(runID string, outcome model.StepOutcome, action Action) {
	for _, r := range m {
		r.StepFinished(runID, outcome, action)
	}
}

func (m MultiReporter) StepSkipped(runID, stepID string) {
	for _, r := range m {
		r.StepSkipped(runID, stepID)
	}
}

func (m MultiReporter) StepBlocked(runID, stepID string) {
	for _, r := range m {
		r.StepBlocked(runID, stepID)
	}
}

func (m MultiReporter) BatchFinished(runID string, iteration int) {
	for _, r := range m {
		r.BatchFinished(runID, iteration)
	}
}

func (m MultiReporter) CheckpointTaken(runID, checkpointID string, iteration int) {
	for _, r := range m {
		r.CheckpointTaken(runID, checkpointID, iteration)
	}
}

func (m MultiReporter) RunFinished(report *model.RunReport) {
	for _, r := range m {
		r.RunFinished(report)
	}
}

// LogReporter writes run events as structured log records.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With("component", "run")}
}

func (r *LogReporter) RunStarted(wf *model.Workflow, state *model.RunState, resumedFrom string) {
	if resumedFrom != "" {
		r.logger.Info("run resumed",
			"run_id", state.RunID,
			"workflow_id", wf.ID,
			"checkpoint_id", resumedFrom,
			"iteration", state.Iteration,
			"unresolved", len(state.Unresolved(wf)),
		)
		return
	}
	r.logger.Info("run started", "run_id", state.RunID, "workflow_id", wf.ID, "steps", len(wf.Steps))
}

func (r *LogReporter) BatchStarted(runID string, iteration int, stepIDs []string) {
	r.logger.Info("batch started", "run_id", runID, "iteration", iteration, "steps", stepIDs)
}

func (r *LogReporter) StepFinished(runID string, outcome model.StepOutcome, action Action) {
	attrs := []any{
		"run_id", runID,
		"step_id", outcome.StepID,
		"worker", outcome.Worker,
		"attempt", outcome.Attempt,
		"action", action.String(),
		"duration", outcome.Duration(),
	}
	if outcome.Success() {
		r.logger.Info("step completed", attrs...)
		return
	}
	r.logger.Warn("step failed", append(attrs, "error", outcome.Error)...)
}

func (r *LogReporter) StepSkipped(runID, stepID string) {
	r.logger.Info("step skipped", "run_id", runID, "step_id", stepID)
}

func (r *LogReporter) StepBlocked(runID, stepID string) {
	r.logger.Warn("step blocked", "run_id", runID, "step_id", stepID)
}

func (r *LogReporter) BatchFinished(runID string, iteration int) {
	r.logger.Debug("batch finished", "run_id", runID, "iteration", iteration)
}

func (r *LogReporter) CheckpointTaken(runID, checkpointID string, iteration int) {
	r.logger.Debug("checkpoint taken", "run_id", runID, "checkpoint_id", checkpointID, "iteration", iteration)
}

func (r *LogReporter) RunFinished(report *model.RunReport) {
	attrs := []any{
		"run_id", report.RunID,
		"status", report.Status,
		"batches", report.Batches,
		"completed", len(report.Completed),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
		"duration", report.Duration(),
	}
	if report.Status == model.RunStatusFailed {
		r.logger.Error("run failed", append(attrs, "abort_step", report.AbortStep, "cause", report.AbortCause)...)
		return
	}
	r.logger.Info("run finished", attrs...)
}
