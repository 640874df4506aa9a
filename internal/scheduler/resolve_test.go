package scheduler

import (
	"reflect"
	"testing"

	"github.com/me/taskgraph/pkg/model"
)

func intPtr(n int) *int { return &n }

func ids(steps []model.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestReadySet_PriorityOrder(t *testing.T) {
	steps := []model.Step{
		{ID: "a"},
		{ID: "b", Priority: intPtr(2)},
		{ID: "c", Priority: intPtr(1)},
		{ID: "d"},
		{ID: "e", Priority: intPtr(1)},
	}
	state := model.NewRunState("run_1", "wf")

	got := ids(ReadySet(steps, state).Ready)
	want := []string{"c", "e", "b", "a", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ready = %v, want %v", got, want)
	}
}

func TestReadySet_States(t *testing.T) {
	steps := []model.Step{
		{ID: "done"},
		{ID: "failed"},
		{ID: "skipped"},
		{ID: "running"},
		{ID: "after_done", Dependencies: []string{"done"}},
		{ID: "after_failed", Dependencies: []string{"failed", "done"}},
		{ID: "after_skipped", Dependencies: []string{"skipped"}},
		{ID: "after_running", Dependencies: []string{"running"}},
	}
	state := model.NewRunState("run_1", "wf")
	state.MarkInFlight("done")
	state.MarkCompleted("done", "ok")
	state.MarkInFlight("failed")
	state.MarkFailed("failed")
	state.MarkSkipped("skipped")
	state.MarkInFlight("running")

	res := ReadySet(steps, state)
	if got, want := ids(res.Ready), []string{"after_done", "after_skipped"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Ready = %v, want %v", got, want)
	}
	if got, want := ids(res.Blocked), []string{"after_failed"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Blocked = %v, want %v", got, want)
	}
}

func TestAreDependenciesSatisfied(t *testing.T) {
	state := model.NewRunState("run_1", "wf")
	state.MarkCompleted("a", "")
	state.MarkFailed("f")

	tests := []struct {
		name          string
		deps          []string
		wantSatisfied bool
		wantBlocked   bool
	}{
		{"no deps", nil, true, false},
		{"completed", []string{"a"}, true, false},
		{"pending", []string{"a", "p"}, false, false},
		{"failed", []string{"p", "f"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sat, blk := AreDependenciesSatisfied(model.Step{ID: "x", Dependencies: tt.deps}, state)
			if sat != tt.wantSatisfied || blk != tt.wantBlocked {
				t.Errorf("got (%v, %v), want (%v, %v)", sat, blk, tt.wantSatisfied, tt.wantBlocked)
			}
		})
	}
}

func TestPropagateBlocked_Transitive(t *testing.T) {
	wf := &model.Workflow{ID: "wf", Steps: []model.Step{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
		{ID: "d"},
	}}
	state := model.NewRunState("run_1", "wf")
	state.MarkFailed("a")

	got := PropagateBlocked(wf, state)
	if want := []string{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("blocked = %v, want %v", got, want)
	}
	for _, id := range got {
		if !state.Failed[id] || !state.Blocked[id] {
			t.Errorf("step %s not marked failed and blocked", id)
		}
	}
	if state.IsResolved("d") {
		t.Error("independent step d should stay unresolved")
	}
	if again := PropagateBlocked(wf, state); len(again) != 0 {
		t.Errorf("second propagation = %v, want none", again)
	}
}
