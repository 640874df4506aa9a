package scheduler

import (
	"sort"

	"github.com/me/taskgraph/pkg/model"
)

// ReadyResult is the outcome of one ready-set computation.
type ReadyResult struct {
	// Ready steps are unresolved, not in flight and have every dependency
	// satisfied. They are ordered by priority, then declaration order.
	Ready []model.Step
	// Blocked steps are unresolved and depend on a failed step.
	Blocked []model.Step
}

// ReadySet computes which of steps can be dispatched next.
func ReadySet(steps []model.Step, state *model.RunState) ReadyResult {
	var res ReadyResult
	for _, step := range steps {
		if state.IsResolved(step.ID) || state.InFlight[step.ID] {
			continue
		}
		satisfied, blocked := AreDependenciesSatisfied(step, state)
		switch {
		case blocked:
			res.Blocked = append(res.Blocked, step)
		case satisfied:
			res.Ready = append(res.Ready, step)
		}
	}
	sortByPriority(res.Ready)
	return res
}

// AreDependenciesSatisfied checks whether all of a step's dependencies are
// satisfied. Returns (satisfied, blocked):
//   - satisfied=true when every dependency is completed or skipped
//   - blocked=true when any dependency has failed
func AreDependenciesSatisfied(step model.Step, state *model.RunState) (satisfied, blocked bool) {
	satisfied = true
	for _, dep := range step.Dependencies {
		if state.Failed[dep] {
			return false, true
		}
		if !state.IsSatisfied(dep) {
			satisfied = false
		}
	}
	return satisfied, false
}

// PropagateBlocked marks every step that can no longer run as blocked,
// repeating until no new blocked steps appear. It returns the newly blocked
// step IDs in the order they were found.
func PropagateBlocked(wf *model.Workflow, state *model.RunState) []string {
	var blocked []string
	for {
		res := ReadySet(wf.Steps, state)
		if len(res.Blocked) == 0 {
			return blocked
		}
		for _, step := range res.Blocked {
			state.MarkBlocked(step.ID)
			blocked = append(blocked, step.ID)
		}
	}
}

// sortByPriority orders steps by ascending priority. Steps without a
// priority sort last; ties keep declaration order.
func sortByPriority(steps []model.Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		pi, pj := steps[i].Priority, steps[j].Priority
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return *pi < *pj
		}
	})
}
