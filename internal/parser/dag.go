package parser

import (
	"sort"

	"github.com/me/taskgraph/pkg/model"
)

// DAGResult holds the result of DAG analysis.
type DAGResult struct {
	// Edges maps each step ID to the step IDs it depends on (upstream).
	Edges map[string][]string
	// Dependents maps each step ID to the steps that depend on it (downstream).
	Dependents map[string][]string
	// Order is a topological sort of steps. Ties are broken by declaration order.
	Order []string
	// Levels groups steps by longest dependency chain: the batches a run
	// produces when every step succeeds on its first attempt.
	Levels [][]string
}

// BuildDAG validates wf and constructs its dependency graph using Kahn's
// algorithm. It returns the same errors as Validator.Validate.
func BuildDAG(wf *model.Workflow) (*DAGResult, error) {
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		index[step.ID] = i
	}

	edges := make(map[string][]string, len(wf.Steps))
	dependents := make(map[string][]string, len(wf.Steps))
	inDegree := make(map[string]int, len(wf.Steps))

	for _, step := range wf.Steps {
		seen := make(map[string]bool, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			edges[step.ID] = append(edges[step.ID], dep)
			dependents[dep] = append(dependents[dep], step.ID)
			inDegree[step.ID]++
		}
	}

	byDeclaration := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })
	}

	var queue []string
	for _, step := range wf.Steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	depth := make(map[string]int, len(wf.Steps))
	order := make([]string, 0, len(wf.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, succ := range dependents[node] {
			if d := depth[node] + 1; d > depth[succ] {
				depth[succ] = d
			}
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		byDeclaration(queue)
	}

	var levels [][]string
	for _, id := range order {
		d := depth[id]
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	for _, level := range levels {
		byDeclaration(level)
	}

	return &DAGResult{
		Edges:      edges,
		Dependents: dependents,
		Order:      order,
		Levels:     levels,
	}, nil
}
