package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/me/taskgraph/internal/checkpoint"
	"github.com/me/taskgraph/internal/metrics"
	"github.com/me/taskgraph/internal/parser"
	"github.com/me/taskgraph/internal/runner"
	"github.com/me/taskgraph/internal/workspace"
	"github.com/me/taskgraph/pkg/model"
)

// Coordinator executes workflows against a worker registry.
type Coordinator struct {
	registry  *runner.Registry
	store     CheckpointStore
	config    Config
	policy    PolicyHandler
	reporter  Reporter
	sink      metrics.Sink
	condition ConditionFunc
	now       func() time.Time
	newRunID  func() string
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReporter sets the run event reporter.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithSink sets the metrics sink. The sink is wrapped with metrics.Safe.
func WithSink(s metrics.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithCondition replaces the default ResultPresent condition check.
func WithCondition(f ConditionFunc) Option {
	return func(c *Coordinator) { c.condition = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRunID overrides run id generation.
func WithRunID(f func() string) Option {
	return func(c *Coordinator) { c.newRunID = f }
}

// NewCoordinator creates a Coordinator. store may be nil, in which case no
// checkpoints are taken and Resume is unavailable.
func NewCoordinator(reg *runner.Registry, store CheckpointStore, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:  reg,
		store:     store,
		config:    cfg,
		policy:    PolicyHandler{MaxAttempts: cfg.MaxAttempts, ExhaustedPolicy: cfg.ExhaustedPolicy},
		reporter:  NopReporter{},
		condition: ResultPresent,
		now:       time.Now,
		newRunID:  func() string { return "run_" + uuid.New().String() },
		logger:    logger.With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sink = metrics.Safe(c.sink, c.logger)
	return c
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config { return c.config }

// run carries the per-run state shared by the loop helpers.
type run struct {
	wf      *model.Workflow
	state   *model.RunState
	workers map[string]runner.Worker
	ws      *workspace.Manager

	// lastBatch is the most recently dispatched batch.
	lastBatch []model.Step
	// checkpointed is the iteration covered by the newest checkpoint, or -1.
	checkpointed int
}

// Run executes wf from the beginning. Validation, cycle and unknown-worker
// errors return a nil report before anything is dispatched. Every other
// outcome, including a FAILED run, returns a report; the error is non-nil
// only for a deadlock.
func (c *Coordinator) Run(ctx context.Context, wf *model.Workflow) (*model.RunReport, error) {
	workers, err := c.prepare(wf)
	if err != nil {
		return nil, err
	}
	ws, err := c.workspace(c.workspaceRoot(wf.Workspace()))
	if err != nil {
		return nil, err
	}

	state := model.NewRunState(c.newRunID(), wf.ID)
	state.StartedAt = c.now()
	if err := state.Transition(model.RunStatusRunning); err != nil {
		return nil, err
	}

	r := &run{wf: wf, state: state, workers: workers, ws: ws, checkpointed: -1}
	c.logger.Info("run starting", "run_id", state.RunID, "workflow_id", wf.ID, "mode", c.config.Mode, "workspace", ws.Root())
	c.reporter.RunStarted(wf, state, "")
	return c.loop(ctx, r)
}

// Resume continues a run from a checkpoint. An empty id or "latest" selects
// the newest checkpoint taken for wf. The restored run keeps its original run id and the
// next batch is numbered one past the checkpoint's iteration.
func (c *Coordinator) Resume(ctx context.Context, wf *model.Workflow, checkpointID string) (*model.RunReport, error) {
	if c.store == nil {
		return nil, errors.New("resume: no checkpoint store configured")
	}
	workers, err := c.prepare(wf)
	if err != nil {
		return nil, err
	}

	var cp *model.Checkpoint
	if checkpointID == "" || checkpointID == "latest" {
		cp, err = c.store.LatestFor(ctx, wf.ID)
	} else {
		cp, err = c.store.Load(ctx, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	snap, err := cp.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("resume from %s: %w", cp.ID, err)
	}
	state, err := model.RestoreRunState(wf, snap, cp.Metadata.Iteration)
	if err != nil {
		return nil, fmt.Errorf("resume from %s: %w", cp.ID, err)
	}

	ws, err := c.workspace(c.workspaceRoot(wf.Workspace()))
	if err != nil {
		return nil, err
	}
	c.logDrift(cp, ws.Root())

	state.StartedAt = c.now()
	if err := state.Transition(model.RunStatusRunning); err != nil {
		return nil, err
	}

	r := &run{wf: wf, state: state, workers: workers, ws: ws, checkpointed: state.Iteration}
	c.logger.Info("run resuming",
		"run_id", state.RunID,
		"workflow_id", wf.ID,
		"checkpoint_id", cp.ID,
		"iteration", state.Iteration,
	)
	c.reporter.RunStarted(wf, state, cp.ID)
	return c.loop(ctx, r)
}

// prepare validates configuration and workflow and binds workers.
func (c *Coordinator) prepare(wf *model.Workflow) (map[string]runner.Worker, error) {
	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if err := parser.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	if c.config.Mode == ModeParallel && wf.HasDependencies() {
		var problems []model.FieldError
		for i, step := range wf.Steps {
			if len(step.Dependencies) > 0 {
				problems = append(problems, model.FieldError{
					Field:   "dependencies",
					Path:    fmt.Sprintf("steps[%d].dependencies", i),
					Message: fmt.Sprintf("step %q has dependencies; parallel mode requires independent steps", step.ID),
				})
			}
		}
		return nil, &model.ValidationError{WorkflowID: wf.ID, Problems: problems}
	}
	return c.registry.Resolve(wf)
}

// workspaceRoot picks the workspace for a run: Config.Workspace when set,
// otherwise fallback.
func (c *Coordinator) workspaceRoot(fallback string) string {
	if c.config.Workspace != "" {
		return c.config.Workspace
	}
	return fallback
}

func (c *Coordinator) workspace(root string) (*workspace.Manager, error) {
	ws, err := workspace.New(root, c.config.WorkspaceMode, c.logger)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	return ws, nil
}

func (c *Coordinator) logDrift(cp *model.Checkpoint, root string) {
	current, err := checkpoint.Fingerprint(root)
	if err != nil {
		c.logger.Warn("workspace fingerprint failed", "checkpoint_id", cp.ID, "error", err)
		return
	}
	drift := checkpoint.Diff(cp.WorkspaceFingerprint, current)
	if drift.Empty() {
		c.logger.Debug("workspace unchanged since checkpoint", "checkpoint_id", cp.ID)
		return
	}
	c.logger.Warn("workspace drifted since checkpoint",
		"checkpoint_id", cp.ID,
		"added", drift.Added,
		"removed", drift.Removed,
		"changed", drift.Changed,
	)
}

// loop runs batches until the run reaches a terminal status.
func (c *Coordinator) loop(ctx context.Context, r *run) (*model.RunReport, error) {
	state := r.state
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("run cancelled", "run_id", state.RunID, "iteration", state.Iteration)
			if state.AbortCause == "" {
				state.AbortCause = err.Error()
			}
			return c.finish(ctx, r, model.RunStatusFailed), nil
		}

		for _, id := range PropagateBlocked(r.wf, state) {
			c.reporter.StepBlocked(state.RunID, id)
		}

		if len(state.Unresolved(r.wf)) == 0 {
			status := model.RunStatusCompleted
			if len(state.Failed) > 0 {
				status = model.RunStatusCompletedWithFailures
			}
			return c.finish(ctx, r, status), nil
		}

		batch, skipped := c.selectBatch(r)
		if len(batch) == 0 {
			if skipped > 0 {
				continue
			}
			err := &model.DeadlockError{RunID: state.RunID, Unresolved: state.Unresolved(r.wf)}
			c.logger.Error("no step is ready", "run_id", state.RunID, "error", err)
			state.AbortCause = err.Error()
			return c.finish(ctx, r, model.RunStatusFailed), err
		}

		state.Iteration++
		r.lastBatch = batch
		outcomes := c.dispatch(ctx, r, batch)
		aborted := c.fold(ctx, r, outcomes)
		c.reporter.BatchFinished(state.RunID, state.Iteration)

		if aborted {
			return c.finish(ctx, r, model.RunStatusFailed), nil
		}
		if every := c.config.CheckpointEvery; every > 0 && state.Iteration%every == 0 {
			c.checkpoint(ctx, r)
		}
	}
}

// selectBatch evaluates conditions on the ready set and returns the steps to
// dispatch next, along with the number of steps skipped.
func (c *Coordinator) selectBatch(r *run) ([]model.Step, int) {
	ready := ReadySet(r.wf.Steps, r.state).Ready
	var batch []model.Step
	skipped := 0
	for _, step := range ready {
		if step.Condition != nil && !c.condition(*step.Condition, r.state.Results) {
			r.state.MarkSkipped(step.ID)
			c.reporter.StepSkipped(r.state.RunID, step.ID)
			skipped++
			continue
		}
		batch = append(batch, step)
	}
	if c.config.Mode == ModeSequential && len(batch) > 1 {
		batch = batch[:1]
	}
	return batch, skipped
}

// dispatch runs one batch concurrently and waits for every step.
func (c *Coordinator) dispatch(ctx context.Context, r *run, batch []model.Step) []model.StepOutcome {
	iteration := r.state.Iteration
	ids := make([]string, len(batch))
	attempts := make([]int, len(batch))
	for i, step := range batch {
		r.state.MarkInFlight(step.ID)
		ids[i] = step.ID
		attempts[i] = r.state.Attempts[step.ID]
	}
	c.reporter.BatchStarted(r.state.RunID, iteration, ids)

	outcomes := make([]model.StepOutcome, len(batch))
	var g errgroup.Group
	if c.config.MaxParallel > 0 {
		g.SetLimit(c.config.MaxParallel)
	}
	for i, step := range batch {
		g.Go(func() error {
			outcomes[i] = c.execute(ctx, r.ws, step, r.workers[step.ID], attempts[i], iteration)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// execute performs one dispatch. It never panics; worker panics and
// workspace failures are reported through the outcome.
func (c *Coordinator) execute(ctx context.Context, ws *workspace.Manager, step model.Step, w runner.Worker, attempt, iteration int) (out model.StepOutcome) {
	out = model.StepOutcome{
		StepID:    step.ID,
		Worker:    step.Worker,
		Attempt:   attempt,
		Iteration: iteration,
		StartedAt: c.now(),
	}
	c.sink.OnStepStart(step.ID)
	defer func() {
		out.EndedAt = c.now()
		if out.Err != nil {
			out.Err = &model.StepExecutionError{StepID: step.ID, Worker: step.Worker, Attempt: attempt, Err: out.Err}
			out.Error = out.Err.Error()
		}
		c.sink.OnStepEnd(step.ID, out.Err == nil, out.Error)
	}()

	lease, err := ws.Acquire(step.ID, attempt)
	if err != nil {
		out.Err = err
		return out
	}

	res, err := callWorker(ctx, w, runner.Request{
		StepID:        step.ID,
		Task:          step.Task,
		Worker:        step.Worker,
		MaxIterations: step.IterationBudget(),
		WorkDir:       lease.Dir,
	})
	out.Usage = res.Usage
	if err != nil {
		if derr := lease.Discard(); derr != nil {
			c.logger.Warn("discard arena failed", "step_id", step.ID, "error", derr)
		}
		out.Err = err
		return out
	}
	if err := lease.Commit(); err != nil {
		out.Err = fmt.Errorf("commit workspace: %w", err)
		return out
	}
	out.Result = res.Token
	return out
}

func callWorker(ctx context.Context, w runner.Worker, req runner.Request) (res runner.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panicked: %v", p)
		}
	}()
	return w.Execute(ctx, req)
}

// fold applies the failure policy to each outcome in batch order and
// reports whether any step aborted the run. A step that failed because the
// run was cancelled bypasses the policy and stays unresolved, so a resumed
// run dispatches it again.
func (c *Coordinator) fold(ctx context.Context, r *run, outcomes []model.StepOutcome) bool {
	state := r.state
	aborted := false
	for _, out := range outcomes {
		step := r.wf.StepByID(out.StepID)
		state.Usage += out.Usage

		if interrupted(ctx, out.Err) {
			state.MarkInterrupted(out.StepID)
			c.logger.Warn("step interrupted", "run_id", state.RunID, "step_id", out.StepID, "error", out.Error)
			c.reporter.StepFinished(state.RunID, out, ActionRetry)
			continue
		}

		d := c.policy.Decide(step, state.Attempts[out.StepID], out.Err)
		switch d.Action {
		case ActionComplete:
			state.MarkCompleted(out.StepID, out.Result)
		case ActionRetry:
			state.MarkRetry(out.StepID)
		case ActionFail:
			state.MarkFailed(out.StepID)
		case ActionAbort:
			state.MarkAborted(out.StepID, out.Error)
			aborted = true
		}
		if d.Exhausted {
			c.logger.Warn("retry attempts exhausted",
				"run_id", state.RunID,
				"step_id", out.StepID,
				"attempts", state.Attempts[out.StepID],
				"fallback", c.policy.ExhaustedPolicy,
			)
		}
		c.reporter.StepFinished(state.RunID, out, d.Action)
	}
	return aborted
}

func interrupted(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// finish moves the run to status, takes a final checkpoint if the last
// batch is not covered yet and emits the report. Dependents of failures from
// the last batch are marked blocked first.
func (c *Coordinator) finish(ctx context.Context, r *run, status model.RunStatus) *model.RunReport {
	state := r.state
	for _, id := range PropagateBlocked(r.wf, state) {
		c.reporter.StepBlocked(state.RunID, id)
	}
	state.EndedAt = c.now()
	if err := state.Transition(status); err != nil {
		c.logger.Error("run transition rejected", "run_id", state.RunID, "error", err)
	}
	if r.checkpointed != state.Iteration {
		c.checkpoint(ctx, r)
	}
	report := state.Report(r.wf)
	c.reporter.RunFinished(report)
	return report
}

// checkpoint persists the run snapshot. Failures are logged; a run never
// fails because a checkpoint could not be written.
func (c *Coordinator) checkpoint(ctx context.Context, r *run) {
	if c.store == nil {
		return
	}
	state := r.state
	data, err := state.Snapshot(r.wf, c.now()).Encode()
	if err != nil {
		c.logger.Error("encode run snapshot", "run_id", state.RunID, "error", err)
		return
	}

	workers := make(map[string]bool)
	ids := make([]string, 0, len(r.lastBatch))
	for _, step := range r.lastBatch {
		workers[step.Worker] = true
		ids = append(ids, step.ID)
	}
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)

	id, err := c.store.Create(context.WithoutCancel(ctx), checkpoint.Request{
		Worker:        strings.Join(names, ","),
		Task:          strings.Join(ids, ","),
		Iteration:     state.Iteration,
		WorkspacePath: r.ws.Root(),
		State:         data,
		Usage:         state.Usage,
	})
	if err != nil {
		c.logger.Error("checkpoint failed", "run_id", state.RunID, "iteration", state.Iteration, "error", err)
		return
	}
	r.checkpointed = state.Iteration
	c.reporter.CheckpointTaken(state.RunID, id, state.Iteration)
}
