package model

// DefaultWorkspace is used when a workflow file does not name a workspace.
const DefaultWorkspace = "./workspace"

// ScratchDir is the directory inside a workspace reserved for the scheduler.
const ScratchDir = ".taskgraph"

// FailurePolicy determines how a run reacts when a step fails.
type FailurePolicy string

const (
	FailurePolicyStop     FailurePolicy = "stop"
	FailurePolicyContinue FailurePolicy = "continue"
	FailurePolicyRetry    FailurePolicy = "retry"
)

// String returns the string representation of the policy.
func (p FailurePolicy) String() string {
	return string(p)
}

// IsValid reports whether p is one of the known policies.
func (p FailurePolicy) IsValid() bool {
	switch p {
	case FailurePolicyStop, FailurePolicyContinue, FailurePolicyRetry:
		return true
	}
	return false
}

// Workflow is an immutable description of a multi-step job.
// Callers that need different steps build a new Workflow.
type Workflow struct {
	ID               string `json:"workflow_id" yaml:"workflow_id"`
	Name             string `json:"name" yaml:"name"`
	Description      string `json:"description" yaml:"description"`
	DefaultWorkspace string `json:"default_workspace" yaml:"default_workspace"`
	Steps            []Step `json:"steps" yaml:"steps"`
}

// Step is a single unit of work delegated to a worker.
type Step struct {
	ID           string        `json:"step_id" yaml:"step_id"`
	Name         string        `json:"name" yaml:"name"`
	Worker       string        `json:"agent" yaml:"agent"`
	Task         string        `json:"task" yaml:"task"`
	Dependencies []string      `json:"dependencies" yaml:"dependencies"`
	Condition    *string       `json:"condition" yaml:"condition"`
	Iterations   int           `json:"iterations" yaml:"iterations"`
	OnFailure    FailurePolicy `json:"on_failure" yaml:"on_failure"`
	Priority     *int          `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// IterationBudget returns the iteration budget passed to the worker.
// A zero budget in the workflow file means one iteration.
func (s *Step) IterationBudget() int {
	if s.Iterations <= 0 {
		return 1
	}
	return s.Iterations
}

// Policy returns the step's failure policy, defaulting to stop.
func (s *Step) Policy() FailurePolicy {
	if s.OnFailure == "" {
		return FailurePolicyStop
	}
	return s.OnFailure
}

// DisplayName returns Name, or ID when no name was given.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	clone := s
	if s.Dependencies != nil {
		clone.Dependencies = append([]string{}, s.Dependencies...)
	}
	if s.Condition != nil {
		c := *s.Condition
		clone.Condition = &c
	}
	if s.Priority != nil {
		p := *s.Priority
		clone.Priority = &p
	}
	return clone
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	if w.Steps != nil {
		clone.Steps = make([]Step, len(w.Steps))
		for i, s := range w.Steps {
			clone.Steps[i] = s.Clone()
		}
	}
	return &clone
}

// StepByID returns the step with the given ID, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepIDs returns the step IDs in declaration order.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		ids[i] = s.ID
	}
	return ids
}

// HasDependencies reports whether any step declares a dependency.
func (w *Workflow) HasDependencies() bool {
	for _, s := range w.Steps {
		if len(s.Dependencies) > 0 {
			return true
		}
	}
	return false
}

// Workspace returns DefaultWorkspace or the package default.
func (w *Workflow) Workspace() string {
	if w.DefaultWorkspace != "" {
		return w.DefaultWorkspace
	}
	return DefaultWorkspace
}

// TemplateWorkflow returns a three-step setup, implementation and testing
// workflow that callers can edit and save as a starting point.
func TemplateWorkflow(id, name, description string) *Workflow {
	return &Workflow{
		ID:               id,
		Name:             name,
		Description:      description,
		DefaultWorkspace: DefaultWorkspace,
		Steps: []Step{
			{
				ID:           "step1",
				Name:         "Initial Setup",
				Worker:       "ralph",
				Task:         "Set up the project structure and initial files",
				Dependencies: []string{},
				Iterations:   2,
				OnFailure:    FailurePolicyStop,
			},
			{
				ID:           "step2",
				Name:         "Implementation",
				Worker:       "coder",
				Task:         "Implement the core functionality",
				Dependencies: []string{"step1"},
				Iterations:   5,
				OnFailure:    FailurePolicyStop,
			},
			{
				ID:           "step3",
				Name:         "Testing",
				Worker:       "tester",
				Task:         "Write tests and validate the implementation",
				Dependencies: []string{"step2"},
				Iterations:   3,
				OnFailure:    FailurePolicyStop,
			},
		},
	}
}
