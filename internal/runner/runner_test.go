package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/taskgraph/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	ok := WorkerFunc(func(context.Context, Request) (Result, error) { return Result{Token: "ok"}, nil })
	reg.Register("coder", ok)
	reg.Register("tester", ok)

	wf := &model.Workflow{ID: "wf", Steps: []model.Step{
		{ID: "a", Worker: "coder"},
		{ID: "b", Worker: "tester"},
	}}
	bound, err := reg.Resolve(wf)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(bound) != 2 {
		t.Errorf("bound = %d workers, want 2", len(bound))
	}
	if got := strings.Join(reg.Names(), ","); got != "coder,tester" {
		t.Errorf("Names() = %s", got)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	reg.Register("coder", WorkerFunc(func(context.Context, Request) (Result, error) { return Result{}, nil }))

	wf := &model.Workflow{ID: "wf", Steps: []model.Step{
		{ID: "a", Worker: "coder"},
		{ID: "b", Worker: "ghost"},
		{ID: "c", Worker: "phantom"},
	}}
	_, err := reg.Resolve(wf)
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *model.ValidationError", err)
	}
	if len(ve.Problems) != 2 {
		t.Errorf("problems = %+v, want 2", ve.Problems)
	}
	if ve.Problems[0].Path != "steps[1].agent" {
		t.Errorf("Path = %q, want steps[1].agent", ve.Problems[0].Path)
	}

	if _, err := reg.Get("ghost"); err == nil {
		t.Error("Get(ghost) should fail")
	}
}

func TestCommandWorker_TaskText(t *testing.T) {
	w := NewCommandWorker("", newTestLogger())
	res, err := w.Execute(context.Background(), Request{
		StepID:        "a",
		Task:          "echo first; echo second",
		MaxIterations: 3,
		WorkDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Token != "second" {
		t.Errorf("Token = %q, want second", res.Token)
	}
	if res.Usage != 1 {
		t.Errorf("Usage = %d, want 1", res.Usage)
	}
}

func TestCommandWorker_RetriesWithinBudget(t *testing.T) {
	dir := t.TempDir()
	// Succeeds on the third iteration.
	w := NewCommandWorker(`test "$TASKGRAPH_ITERATION" -ge 3 && echo "done $TASKGRAPH_TASK"`, newTestLogger())
	res, err := w.Execute(context.Background(), Request{Task: "build", MaxIterations: 5, WorkDir: dir})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Token != "done build" || res.Usage != 3 {
		t.Errorf("result = %+v, want token %q usage 3", res, "done build")
	}
}

func TestCommandWorker_ExhaustsBudget(t *testing.T) {
	w := NewCommandWorker("", newTestLogger())
	res, err := w.Execute(context.Background(), Request{
		Task:          "echo oops >&2; exit 4",
		MaxIterations: 2,
		WorkDir:       t.TempDir(),
	})
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if ce.ExitCode != 4 || ce.Iterations != 2 {
		t.Errorf("CommandError = %+v", ce)
	}
	if !strings.Contains(ce.Error(), "oops") {
		t.Errorf("Error() = %q, want stderr tail", ce.Error())
	}
	if res.Usage != 2 {
		t.Errorf("Usage = %d, want 2", res.Usage)
	}
}

func TestCommandWorker_WorkDir(t *testing.T) {
	dir := t.TempDir()
	w := NewCommandWorker("", newTestLogger())
	if _, err := w.Execute(context.Background(), Request{Task: "echo hi > out.txt", WorkDir: dir}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read out.txt: %v", err)
	}
	if string(data) != "hi\n" {
		t.Errorf("out.txt = %q", data)
	}
}

func TestCommandWorker_EmptyScript(t *testing.T) {
	w := NewCommandWorker("", newTestLogger())
	if _, err := w.Execute(context.Background(), Request{Task: "  "}); err == nil {
		t.Error("expected error for empty task")
	}
}

func TestCommandWorker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewCommandWorker("", newTestLogger())
	_, err := w.Execute(ctx, Request{Task: "true", WorkDir: t.TempDir()})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestCommandWorker_KilledByCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w := NewCommandWorker("", newTestLogger())
	_, err := w.Execute(ctx, Request{Task: "sleep 5", MaxIterations: 3, WorkDir: t.TempDir()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		t.Errorf("error = %v, want an interruption rather than a command failure", err)
	}
}
