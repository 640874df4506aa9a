package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/taskgraph/internal/checkpoint"
	"github.com/me/taskgraph/internal/logging"
	"github.com/me/taskgraph/internal/parser"
	"github.com/me/taskgraph/internal/runner"
	"github.com/me/taskgraph/pkg/model"
)

func discardLogger() *slog.Logger {
	return logging.Discard()
}

// scriptedWorker records every request. fn receives the 1-based call number
// for the request's step; a nil fn always succeeds.
type scriptedWorker struct {
	fn func(ctx context.Context, req runner.Request, call int) (runner.Result, error)

	mu    sync.Mutex
	calls []runner.Request
}

func (w *scriptedWorker) Execute(ctx context.Context, req runner.Request) (runner.Result, error) {
	w.mu.Lock()
	w.calls = append(w.calls, req)
	n := 0
	for _, c := range w.calls {
		if c.StepID == req.StepID {
			n++
		}
	}
	w.mu.Unlock()

	if w.fn == nil {
		return runner.Result{Token: "done:" + req.StepID, Usage: 1}, nil
	}
	return w.fn(ctx, req, n)
}

func (w *scriptedWorker) stepCalls(stepID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c.StepID == stepID {
			n++
		}
	}
	return n
}

func (w *scriptedWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// failing returns a worker fn that fails the listed steps on every call.
func failing(stepIDs ...string) func(context.Context, runner.Request, int) (runner.Result, error) {
	return func(_ context.Context, req runner.Request, _ int) (runner.Result, error) {
		for _, id := range stepIDs {
			if req.StepID == id {
				return runner.Result{Usage: 1}, errors.New("boom")
			}
		}
		return runner.Result{Token: "done:" + req.StepID, Usage: 1}, nil
	}
}

type recordingReporter struct {
	NopReporter

	resumedFrom []string
	batches     [][]string
	iterations  []int
	outcomes    map[string][]model.StepOutcome
	actions     map[string][]Action
	skipped     []string
	blocked     []string
	checkpoints []string
	report      *model.RunReport
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		outcomes: make(map[string][]model.StepOutcome),
		actions:  make(map[string][]Action),
	}
}

func (r *recordingReporter) RunStarted(_ *model.Workflow, _ *model.RunState, resumedFrom string) {
	r.resumedFrom = append(r.resumedFrom, resumedFrom)
}

func (r *recordingReporter) BatchStarted(_ string, iteration int, stepIDs []string) {
	r.iterations = append(r.iterations, iteration)
	r.batches = append(r.batches, append([]string(nil), stepIDs...))
}

func (r *recordingReporter) StepFinished(_ string, outcome model.StepOutcome, action Action) {
	r.outcomes[outcome.StepID] = append(r.outcomes[outcome.StepID], outcome)
	r.actions[outcome.StepID] = append(r.actions[outcome.StepID], action)
}

func (r *recordingReporter) StepSkipped(_, stepID string) { r.skipped = append(r.skipped, stepID) }
func (r *recordingReporter) StepBlocked(_, stepID string) { r.blocked = append(r.blocked, stepID) }

func (r *recordingReporter) CheckpointTaken(_, checkpointID string, _ int) {
	r.checkpoints = append(r.checkpoints, checkpointID)
}

func (r *recordingReporter) RunFinished(report *model.RunReport) { r.report = report }

type testEnv struct {
	coord    *Coordinator
	store    *checkpoint.FileStore
	reporter *recordingReporter
	root     string
}

// newTestEnv builds a coordinator with a file checkpoint store and a
// temporary workspace. workers maps registry names to workers.
func newTestEnv(t *testing.T, cfg Config, workers map[string]runner.Worker, opts ...Option) *testEnv {
	t.Helper()
	logger := discardLogger()

	reg := runner.NewRegistry(logger)
	for name, w := range workers {
		reg.Register(name, w)
	}
	st, err := checkpoint.NewFileStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = t.TempDir()
	}
	rep := newRecordingReporter()
	opts = append([]Option{WithReporter(rep)}, opts...)

	return &testEnv{
		coord:    NewCoordinator(reg, st, cfg, logger, opts...),
		store:    st,
		reporter: rep,
		root:     cfg.Workspace,
	}
}

func workflow(steps ...model.Step) *model.Workflow {
	return &model.Workflow{ID: "wf_test", Name: "test", Steps: steps}
}

func step(id string, deps ...string) model.Step {
	return model.Step{ID: id, Worker: "w", Task: "do " + id, Dependencies: deps}
}

func withPolicy(s model.Step, p model.FailurePolicy) model.Step {
	s.OnFailure = p
	return s
}

func withCondition(s model.Step, cond string) model.Step {
	s.Condition = &cond
	return s
}

func assertIDs(t *testing.T, field string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

func TestRun_BatchesFollowDependencies(t *testing.T) {
	w := &scriptedWorker{}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	report, err := env.coord.Run(context.Background(), workflow(step("A"), step("B", "A"), step("C", "A")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}}
	if !reflect.DeepEqual(env.reporter.batches, want) {
		t.Errorf("batches = %v, want %v", env.reporter.batches, want)
	}
	if report.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", report.Status)
	}
	if report.Batches != 2 {
		t.Errorf("Batches = %d, want 2", report.Batches)
	}
	assertIDs(t, "Completed", report.Completed, []string{"A", "B", "C"})
	if report.Usage != 3 {
		t.Errorf("Usage = %d, want 3", report.Usage)
	}
	if !strings.HasPrefix(report.RunID, "run_") {
		t.Errorf("RunID = %q, want run_ prefix", report.RunID)
	}
}

func TestRun_ContinueFailureBlocksDependents(t *testing.T) {
	w := &scriptedWorker{fn: failing("A")}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	wf := workflow(
		withPolicy(step("A"), model.FailurePolicyContinue),
		withPolicy(step("B", "A"), model.FailurePolicyContinue),
	)
	report, err := env.coord.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != model.RunStatusCompletedWithFailures {
		t.Errorf("Status = %s, want COMPLETED_WITH_FAILURES", report.Status)
	}
	assertIDs(t, "Failed", report.Failed, []string{"A", "B"})
	assertIDs(t, "Blocked", report.Blocked, []string{"B"})
	assertIDs(t, "Completed", report.Completed, nil)
	if n := w.stepCalls("B"); n != 0 {
		t.Errorf("B dispatched %d times, want 0", n)
	}
	assertIDs(t, "reported blocked", env.reporter.blocked, []string{"B"})
}

func TestRun_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		wf        *model.Workflow
		wantCycle bool
	}{
		{"self dependency", workflow(step("A", "A")), true},
		{"cycle", workflow(step("A", "B"), step("B", "A")), true},
		{"dangling dependency", workflow(step("A"), step("B", "missing")), false},
		{"duplicate id", workflow(step("A"), step("A")), false},
		{"unknown worker", workflow(model.Step{ID: "A", Worker: "nobody"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &scriptedWorker{}
			env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

			report, err := env.coord.Run(context.Background(), tt.wf)
			if report != nil {
				t.Errorf("report = %+v, want nil", report)
			}
			var cycleErr *model.CycleError
			var valErr *model.ValidationError
			switch {
			case tt.wantCycle && !errors.As(err, &cycleErr):
				t.Errorf("error = %v, want *model.CycleError", err)
			case !tt.wantCycle && !errors.As(err, &valErr):
				t.Errorf("error = %v, want *model.ValidationError", err)
			}
			if n := w.callCount(); n != 0 {
				t.Errorf("worker called %d times, want 0", n)
			}
			if env.reporter.resumedFrom != nil {
				t.Error("reporter saw RunStarted for a rejected workflow")
			}
		})
	}
}

func TestRun_StopAbortWaitsForSiblings(t *testing.T) {
	w := &scriptedWorker{fn: func(_ context.Context, req runner.Request, _ int) (runner.Result, error) {
		switch req.StepID {
		case "A":
			return runner.Result{}, errors.New("boom")
		case "B":
			time.Sleep(30 * time.Millisecond)
		}
		return runner.Result{Token: "ok"}, nil
	}}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	report, err := env.coord.Run(context.Background(), workflow(step("A"), step("B"), step("C", "B")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != model.RunStatusFailed {
		t.Errorf("Status = %s, want FAILED", report.Status)
	}
	if report.AbortStep != "A" {
		t.Errorf("AbortStep = %q, want A", report.AbortStep)
	}
	if !strings.Contains(report.AbortCause, "boom") {
		t.Errorf("AbortCause = %q, want it to mention boom", report.AbortCause)
	}
	assertIDs(t, "Completed", report.Completed, []string{"B"})
	assertIDs(t, "NotRun", report.NotRun, []string{"C"})
	if n := w.stepCalls("C"); n != 0 {
		t.Errorf("C dispatched %d times after abort", n)
	}
}

func TestRun_RetryUntilSuccess(t *testing.T) {
	w := &scriptedWorker{fn: func(_ context.Context, req runner.Request, call int) (runner.Result, error) {
		if call < 3 {
			return runner.Result{Usage: 1}, errors.New("flaky")
		}
		return runner.Result{Token: "ok", Usage: 1}, nil
	}}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	report, err := env.coord.Run(context.Background(), workflow(withPolicy(step("A"), model.FailurePolicyRetry)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", report.Status)
	}
	if report.Batches != 3 {
		t.Errorf("Batches = %d, want 3", report.Batches)
	}
	if report.Usage != 3 {
		t.Errorf("Usage = %d, want 3 (failed attempts count)", report.Usage)
	}
	want := []Action{ActionRetry, ActionRetry, ActionComplete}
	if got := env.reporter.actions["A"]; !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
	for i, out := range env.reporter.outcomes["A"] {
		if out.Attempt != i+1 {
			t.Errorf("outcome %d Attempt = %d, want %d", i, out.Attempt, i+1)
		}
	}
}

func TestRun_RetryExhausted(t *testing.T) {
	tests := []struct {
		name       string
		fallback   model.FailurePolicy
		wantStatus model.RunStatus
		wantAbort  string
	}{
		{"stop", model.FailurePolicyStop, model.RunStatusFailed, "A"},
		{"continue", model.FailurePolicyContinue, model.RunStatusCompletedWithFailures, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &scriptedWorker{fn: failing("A")}
			cfg := DefaultConfig()
			cfg.MaxAttempts = 2
			cfg.ExhaustedPolicy = tt.fallback
			env := newTestEnv(t, cfg, map[string]runner.Worker{"w": w})

			wf := workflow(withPolicy(step("A"), model.FailurePolicyRetry), step("B"))
			report, err := env.coord.Run(context.Background(), wf)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", report.Status, tt.wantStatus)
			}
			if report.AbortStep != tt.wantAbort {
				t.Errorf("AbortStep = %q, want %q", report.AbortStep, tt.wantAbort)
			}
			if n := w.stepCalls("A"); n != 2 {
				t.Errorf("A dispatched %d times, want 2", n)
			}
			assertIDs(t, "Failed", report.Failed, []string{"A"})
			assertIDs(t, "Completed", report.Completed, []string{"B"})
		})
	}
}

func TestRun_Conditions(t *testing.T) {
	w := &scriptedWorker{}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	wf := workflow(
		step("A"),
		withCondition(step("B"), "nope"),
		step("C", "B"),
		withCondition(step("D", "A"), "A"),
	)
	report, err := env.coord.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", report.Status)
	}
	assertIDs(t, "Skipped", report.Skipped, []string{"B"})
	assertIDs(t, "Completed", report.Completed, []string{"A", "C", "D"})
	want := [][]string{{"A"}, {"C", "D"}}
	if !reflect.DeepEqual(env.reporter.batches, want) {
		t.Errorf("batches = %v, want %v", env.reporter.batches, want)
	}
	if n := w.stepCalls("B"); n != 0 {
		t.Errorf("skipped step dispatched %d times", n)
	}
}

func TestRun_CustomCondition(t *testing.T) {
	w := &scriptedWorker{}
	never := func(string, map[string]string) bool { return false }
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w}, WithCondition(never))

	report, err := env.coord.Run(context.Background(), workflow(step("A"), withCondition(step("B", "A"), "A")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertIDs(t, "Skipped", report.Skipped, []string{"B"})
	if report.Batches != 1 {
		t.Errorf("Batches = %d, want 1", report.Batches)
	}
}

func TestRun_WorkerPanic(t *testing.T) {
	w := runner.WorkerFunc(func(context.Context, runner.Request) (runner.Result, error) {
		panic("kaboom")
	})
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	report, err := env.coord.Run(context.Background(), workflow(step("A")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.RunStatusFailed {
		t.Errorf("Status = %s, want FAILED", report.Status)
	}
	if !strings.Contains(report.AbortCause, "worker panicked: kaboom") {
		t.Errorf("AbortCause = %q", report.AbortCause)
	}

	outs := env.reporter.outcomes["A"]
	if len(outs) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outs))
	}
	var execErr *model.StepExecutionError
	if !errors.As(outs[0].Err, &execErr) {
		t.Fatalf("outcome error = %v, want *model.StepExecutionError", outs[0].Err)
	}
	if execErr.StepID != "A" || execErr.Worker != "w" || execErr.Attempt != 1 {
		t.Errorf("StepExecutionError = %+v", execErr)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	w := &scriptedWorker{}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := env.coord.Run(ctx, workflow(step("A")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.RunStatusFailed {
		t.Errorf("Status = %s, want FAILED", report.Status)
	}
	if report.AbortCause != context.Canceled.Error() {
		t.Errorf("AbortCause = %q, want %q", report.AbortCause, context.Canceled.Error())
	}
	if n := w.callCount(); n != 0 {
		t.Errorf("worker called %d times", n)
	}
	if len(env.reporter.checkpoints) != 1 {
		t.Errorf("checkpoints = %d, want 1 final checkpoint", len(env.reporter.checkpoints))
	}
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &scriptedWorker{fn: func(_ context.Context, req runner.Request, _ int) (runner.Result, error) {
		if req.StepID == "A" {
			cancel()
		}
		return runner.Result{Token: "ok"}, nil
	}}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})

	report, err := env.coord.Run(ctx, workflow(step("A"), step("B", "A")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.RunStatusFailed {
		t.Errorf("Status = %s, want FAILED", report.Status)
	}
	assertIDs(t, "Completed", report.Completed, []string{"A"})
	assertIDs(t, "NotRun", report.NotRun, []string{"B"})
}

func TestRun_SequentialMode(t *testing.T) {
	w := &scriptedWorker{}
	cfg := DefaultConfig()
	cfg.Mode = ModeSequential
	env := newTestEnv(t, cfg, map[string]runner.Worker{"w": w})

	last := step("C")
	last.Priority = intPtr(1)
	report, err := env.coord.Run(context.Background(), workflow(step("A"), step("B", "A"), last))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := [][]string{{"C"}, {"A"}, {"B"}}
	if !reflect.DeepEqual(env.reporter.batches, want) {
		t.Errorf("batches = %v, want %v", env.reporter.batches, want)
	}
	if report.Batches != 3 {
		t.Errorf("Batches = %d, want 3", report.Batches)
	}
}

func TestRun_ParallelModeRejectsDependencies(t *testing.T) {
	w := &scriptedWorker{}
	cfg := DefaultConfig()
	cfg.Mode = ModeParallel
	env := newTestEnv(t, cfg, map[string]runner.Worker{"w": w})

	_, err := env.coord.Run(context.Background(), workflow(step("A"), step("B", "A")))
	var valErr *model.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want *model.ValidationError", err)
	}
	if len(valErr.Problems) != 1 || valErr.Problems[0].Path != "steps[1].dependencies" {
		t.Errorf("Problems = %+v", valErr.Problems)
	}

	report, err := env.coord.Run(context.Background(), workflow(step("A"), step("B")))
	if err != nil {
		t.Fatalf("Run independent: %v", err)
	}
	if report.Batches != 1 || len(report.Completed) != 2 {
		t.Errorf("report = %+v, want one batch completing both steps", report)
	}
}

func TestRun_MaxParallelBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	w := runner.WorkerFunc(func(context.Context, runner.Request) (runner.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return runner.Result{Token: "ok"}, nil
	})
	cfg := DefaultConfig()
	cfg.MaxParallel = 2
	env := newTestEnv(t, cfg, map[string]runner.Worker{"w": w})

	report, err := env.coord.Run(context.Background(), workflow(step("A"), step("B"), step("C"), step("D")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Batches != 1 {
		t.Errorf("Batches = %d, want 1", report.Batches)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRun_PackageDevWorkflow(t *testing.T) {
	wf, err := parser.New(discardLogger()).ParseFile("../../testdata/workflows/package_dev.json")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	w := &scriptedWorker{}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"ralph": w, "coder": w, "tester": w})

	report, err := env.coord.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := [][]string{{"setup_project"}, {"implement_core"}, {"documentation", "write_tests"}}
	if !reflect.DeepEqual(env.reporter.batches, want) {
		t.Errorf("batches = %v, want %v", env.reporter.batches, want)
	}
	if report.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", report.Status)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, req := range w.calls {
		if req.WorkDir != env.root {
			t.Errorf("%s WorkDir = %q, want %q", req.StepID, req.WorkDir, env.root)
		}
		if req.StepID == "implement_core" && req.MaxIterations != 10 {
			t.Errorf("implement_core MaxIterations = %d, want 10", req.MaxIterations)
		}
	}
}

func TestRun_Checkpoints(t *testing.T) {
	tests := []struct {
		name      string
		every     int
		wantCount int
	}{
		{"every batch", 1, 2},
		{"final only", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &scriptedWorker{}
			cfg := DefaultConfig()
			cfg.CheckpointEvery = tt.every
			env := newTestEnv(t, cfg, map[string]runner.Worker{"w": w})

			if _, err := env.coord.Run(context.Background(), workflow(step("A"), step("B", "A"))); err != nil {
				t.Fatalf("Run: %v", err)
			}
			metas, err := env.store.List(context.Background())
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(metas) != tt.wantCount {
				t.Fatalf("checkpoints = %d, want %d", len(metas), tt.wantCount)
			}
			latest := metas[0]
			if latest.Iteration != 2 || latest.Task != "B" || latest.Worker != "w" || latest.Usage != 2 {
				t.Errorf("latest metadata = %+v", latest)
			}
			if latest.WorkspacePath != env.root {
				t.Errorf("WorkspacePath = %q, want %q", latest.WorkspacePath, env.root)
			}
		})
	}
}

func TestResume_ContinuesAfterCheckpointIteration(t *testing.T) {
	w := &scriptedWorker{}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})
	wf := workflow(step("A"), step("B", "A"), step("C", "B"), step("D", "B"))

	prior := model.NewRunState("run_original", wf.ID)
	prior.Status = model.RunStatusRunning
	for _, id := range []string{"A", "B"} {
		prior.MarkInFlight(id)
		prior.MarkCompleted(id, "done:"+id)
	}
	prior.Iteration = 5
	prior.Usage = 7
	data, err := prior.Snapshot(wf, time.Now()).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	id, err := env.store.Create(context.Background(), checkpoint.Request{
		Worker: "w", Task: "B", Iteration: 5, WorkspacePath: env.root, State: data, Usage: 7,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	report, err := env.coord.Resume(context.Background(), wf, id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if got := env.reporter.iterations; len(got) == 0 || got[0] != 6 {
		t.Errorf("iterations = %v, want first batch 6", got)
	}
	if w.stepCalls("A") != 0 || w.stepCalls("B") != 0 {
		t.Error("completed steps were dispatched again")
	}
	want := [][]string{{"C", "D"}}
	if !reflect.DeepEqual(env.reporter.batches, want) {
		t.Errorf("batches = %v, want %v", env.reporter.batches, want)
	}
	if report.RunID != "run_original" {
		t.Errorf("RunID = %q, want run_original", report.RunID)
	}
	if report.Batches != 6 || report.Usage != 9 {
		t.Errorf("Batches = %d Usage = %d, want 6 and 9", report.Batches, report.Usage)
	}
	assertIDs(t, "Completed", report.Completed, []string{"A", "B", "C", "D"})
	if !reflect.DeepEqual(env.reporter.resumedFrom, []string{id}) {
		t.Errorf("resumedFrom = %v, want [%s]", env.reporter.resumedFrom, id)
	}
}

func TestResume_RetriesAbortedStep(t *testing.T) {
	w := &scriptedWorker{fn: func(_ context.Context, req runner.Request, call int) (runner.Result, error) {
		if req.StepID == "B" && call == 1 {
			return runner.Result{}, errors.New("boom")
		}
		return runner.Result{Token: "ok"}, nil
	}}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})
	wf := workflow(step("A"), step("B", "A"))

	first, err := env.coord.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.Status != model.RunStatusFailed || first.AbortStep != "B" {
		t.Fatalf("first run = %s aborted by %q, want FAILED by B", first.Status, first.AbortStep)
	}

	second, err := env.coord.Resume(context.Background(), wf, "latest")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if second.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", second.Status)
	}
	if second.RunID != first.RunID {
		t.Errorf("RunID = %q, want %q", second.RunID, first.RunID)
	}
	if second.AbortStep != "" {
		t.Errorf("AbortStep = %q, want empty", second.AbortStep)
	}
	if w.stepCalls("A") != 1 || w.stepCalls("B") != 2 {
		t.Errorf("calls A=%d B=%d, want 1 and 2", w.stepCalls("A"), w.stepCalls("B"))
	}
	if second.Batches != 3 {
		t.Errorf("Batches = %d, want 3", second.Batches)
	}
}

func TestResume_AfterInterruptedContinueStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := true
	w := &scriptedWorker{fn: func(wctx context.Context, req runner.Request, _ int) (runner.Result, error) {
		if req.StepID == "A" && interrupt {
			cancel()
			return runner.Result{Usage: 1}, wctx.Err()
		}
		return runner.Result{Token: "ok", Usage: 1}, nil
	}}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})
	wf := workflow(withPolicy(step("A"), model.FailurePolicyContinue), step("B", "A"))

	first, err := env.coord.Run(ctx, wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.Status != model.RunStatusFailed || first.AbortCause != context.Canceled.Error() {
		t.Fatalf("first run = %s (%q), want FAILED by cancellation", first.Status, first.AbortCause)
	}
	assertIDs(t, "Failed", first.Failed, nil)
	assertIDs(t, "NotRun", first.NotRun, []string{"A", "B"})
	if got := env.reporter.actions["A"]; !reflect.DeepEqual(got, []Action{ActionRetry}) {
		t.Errorf("actions(A) = %v, want [retry]", got)
	}

	interrupt = false
	second, err := env.coord.Resume(context.Background(), wf, "latest")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if second.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", second.Status)
	}
	assertIDs(t, "Completed", second.Completed, []string{"A", "B"})
	assertIDs(t, "Blocked", second.Blocked, nil)
	if w.stepCalls("A") != 2 || w.stepCalls("B") != 1 {
		t.Errorf("calls A=%d B=%d, want 2 and 1", w.stepCalls("A"), w.stepCalls("B"))
	}
}

func TestRun_InterruptionDoesNotSpendRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := true
	w := &scriptedWorker{fn: func(wctx context.Context, req runner.Request, _ int) (runner.Result, error) {
		if interrupt {
			cancel()
			return runner.Result{}, wctx.Err()
		}
		return runner.Result{Token: "ok"}, nil
	}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	env := newTestEnv(t, cfg, map[string]runner.Worker{"w": w})
	wf := workflow(withPolicy(step("A"), model.FailurePolicyRetry))

	if _, err := env.coord.Run(ctx, wf); err != nil {
		t.Fatalf("Run: %v", err)
	}
	interrupt = false
	report, err := env.coord.Resume(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if report.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", report.Status)
	}
	outs := env.reporter.outcomes["A"]
	if len(outs) != 2 || outs[1].Attempt != 1 {
		t.Errorf("outcomes(A) = %+v, want the resumed dispatch to be attempt 1", outs)
	}
}

func TestRun_AbortReportsBlockedDependents(t *testing.T) {
	w := &scriptedWorker{fn: failing("A", "B")}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})
	wf := workflow(withPolicy(step("A"), model.FailurePolicyContinue), step("B"), step("C", "A"))

	report, err := env.coord.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.RunStatusFailed || report.AbortStep != "B" {
		t.Fatalf("report = %s aborted by %q, want FAILED by B", report.Status, report.AbortStep)
	}
	assertIDs(t, "Blocked", report.Blocked, []string{"C"})
	assertIDs(t, "Failed", report.Failed, []string{"A", "B", "C"})
	assertIDs(t, "NotRun", report.NotRun, nil)
	if !reflect.DeepEqual(env.reporter.blocked, []string{"C"}) {
		t.Errorf("reported blocked = %v, want [C]", env.reporter.blocked)
	}
}

func TestResume_LatestSkipsOtherWorkflows(t *testing.T) {
	w := &scriptedWorker{fn: failing("B")}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})
	x := workflow(step("A"), step("B", "A"))
	y := &model.Workflow{ID: "wf_other", Steps: []model.Step{step("Z")}}

	first, err := env.coord.Run(context.Background(), x)
	if err != nil {
		t.Fatalf("Run x: %v", err)
	}
	if _, err := env.coord.Run(context.Background(), y); err != nil {
		t.Fatalf("Run y: %v", err)
	}

	w.fn = nil
	report, err := env.coord.Resume(context.Background(), x, "latest")
	if err != nil {
		t.Fatalf("Resume x: %v", err)
	}
	if report.RunID != first.RunID || report.Status != model.RunStatusCompleted {
		t.Errorf("report = %s %s, want %s COMPLETED", report.RunID, report.Status, first.RunID)
	}
}

func TestResume_Errors(t *testing.T) {
	w := &scriptedWorker{}
	env := newTestEnv(t, DefaultConfig(), map[string]runner.Worker{"w": w})
	wf := workflow(step("A"))

	if _, err := env.coord.Resume(context.Background(), wf, ""); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Resume without checkpoints error = %v, want ErrNotFound", err)
	}
	if _, err := env.coord.Resume(context.Background(), wf, "20200101T000000.000000000Z"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Resume unknown id error = %v, want ErrNotFound", err)
	}

	if _, err := env.coord.Run(context.Background(), wf); err != nil {
		t.Fatalf("Run: %v", err)
	}
	other := &model.Workflow{ID: "other", Steps: []model.Step{step("A")}}
	if _, err := env.coord.Resume(context.Background(), other, "latest"); err == nil {
		t.Error("Resume with a different workflow succeeded, want error")
	}

	noStore := NewCoordinator(runner.NewRegistry(discardLogger()), nil, DefaultConfig(), discardLogger())
	if _, err := noStore.Resume(context.Background(), wf, ""); err == nil {
		t.Error("Resume without a store succeeded, want error")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "warp"
	env := newTestEnv(t, cfg, map[string]runner.Worker{"w": &scriptedWorker{}})

	if _, err := env.coord.Run(context.Background(), workflow(step("A"))); err == nil {
		t.Fatal("Run with invalid config succeeded, want error")
	}
}
