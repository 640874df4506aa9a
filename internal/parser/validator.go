package parser

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/me/taskgraph/pkg/model"
)

// Validator performs semantic validation on a parsed workflow.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator with the given logger.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{logger: logger.With("component", "validator")}
}

// ValidateWorkflow validates wf without logging.
func ValidateWorkflow(wf *model.Workflow) error {
	return NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil))).Validate(wf)
}

// Validate checks a workflow before it runs. Structural problems are all
// collected into one *model.ValidationError; only a structurally valid
// workflow is checked for cycles, which yield *model.CycleError.
func (v *Validator) Validate(wf *model.Workflow) error {
	if wf == nil {
		return &model.ValidationError{Problems: []model.FieldError{{Message: "workflow is nil"}}}
	}

	var errs []model.FieldError
	errs = append(errs, v.validateWorkflow(wf)...)
	errs = append(errs, v.validateSteps(wf)...)
	errs = append(errs, v.validateDependencies(wf)...)

	if len(errs) > 0 {
		v.logger.Debug("workflow invalid", "workflow_id", wf.ID, "problems", len(errs))
		return &model.ValidationError{WorkflowID: wf.ID, Problems: errs}
	}

	if cycle := findCycle(wf); cycle != nil {
		v.logger.Debug("workflow has cycle", "workflow_id", wf.ID, "cycle", cycle)
		return &model.CycleError{WorkflowID: wf.ID, StepIDs: cycle}
	}
	return nil
}

func (v *Validator) validateWorkflow(wf *model.Workflow) []model.FieldError {
	if wf.ID == "" {
		return []model.FieldError{{Field: "workflow_id", Message: "workflow_id is required"}}
	}
	return nil
}

func (v *Validator) validateSteps(wf *model.Workflow) []model.FieldError {
	var errs []model.FieldError
	seen := make(map[string]int, len(wf.Steps))

	for i, step := range wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			errs = append(errs, model.FieldError{
				Field:   "step_id",
				Path:    path + ".step_id",
				Message: "step_id is required",
			})
		} else if !safeStepID(step.ID) {
			errs = append(errs, model.FieldError{
				Field:   "step_id",
				Path:    path + ".step_id",
				Message: fmt.Sprintf("step id %q must not contain path separators, \"..\" or control characters", step.ID),
			})
		} else if first, dup := seen[step.ID]; dup {
			errs = append(errs, model.FieldError{
				Field:   "step_id",
				Path:    path + ".step_id",
				Message: fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", step.ID, first),
			})
		} else {
			seen[step.ID] = i
		}

		if step.OnFailure != "" && !step.OnFailure.IsValid() {
			errs = append(errs, model.FieldError{
				Field:   "on_failure",
				Path:    path + ".on_failure",
				Message: fmt.Sprintf("unknown failure policy %q; expected stop, continue or retry", step.OnFailure),
			})
		}
		if step.Iterations < 0 {
			errs = append(errs, model.FieldError{
				Field:   "iterations",
				Path:    path + ".iterations",
				Message: fmt.Sprintf("iterations must be >= 0, got %d", step.Iterations),
			})
		}
	}
	return errs
}

// safeStepID reports whether id can name a directory entry. Step ids end up
// in isolated workspace paths.
func safeStepID(id string) bool {
	if id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

func (v *Validator) validateDependencies(wf *model.Workflow) []model.FieldError {
	var errs []model.FieldError
	ids := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		ids[step.ID] = true
	}

	for i, step := range wf.Steps {
		for j, dep := range step.Dependencies {
			if !ids[dep] {
				errs = append(errs, model.FieldError{
					Field:   "dependencies",
					Path:    fmt.Sprintf("steps[%d].dependencies[%d]", i, j),
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
				})
			}
		}
	}
	return errs
}

// findCycle runs a depth-first search over dependency edges, keeping the
// active recursion stack. Revisiting a node on the stack closes a cycle; the
// returned path starts and ends with that node. Returns nil when acyclic.
func findCycle(wf *model.Workflow) []string {
	const (
		unvisited = iota
		onStack
		done
	)

	deps := make(map[string][]string, len(wf.Steps))
	for _, step := range wf.Steps {
		deps[step.ID] = step.Dependencies
	}

	state := make(map[string]int, len(wf.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch state[dep] {
			case onStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, step := range wf.Steps {
		if state[step.ID] == unvisited {
			if cycle := visit(step.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
