package runner

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/taskgraph/pkg/model"
)

// Registry maps worker names to their implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	workers map[string]Worker
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		workers: make(map[string]Worker),
		logger:  logger.With("component", "worker-registry"),
	}
}

// Register adds a Worker under name, replacing any previous registration.
func (r *Registry) Register(name string, w Worker) {
	r.workers[name] = w
	r.logger.Debug("worker registered", "name", name)
}

// Get returns the Worker registered under name.
func (r *Registry) Get(name string) (Worker, error) {
	w, ok := r.workers[name]
	if !ok {
		return nil, fmt.Errorf("no worker registered for name %q", name)
	}
	return w, nil
}

// Names returns the registered worker names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve binds every step of wf to its worker before a run starts.
// Unknown names are reported together as a *model.ValidationError.
func (r *Registry) Resolve(wf *model.Workflow) (map[string]Worker, error) {
	bound := make(map[string]Worker, len(wf.Steps))
	var problems []model.FieldError
	for i, step := range wf.Steps {
		w, ok := r.workers[step.Worker]
		if !ok {
			problems = append(problems, model.FieldError{
				Field:   "agent",
				Path:    fmt.Sprintf("steps[%d].agent", i),
				Message: fmt.Sprintf("step %q uses unknown worker %q", step.ID, step.Worker),
			})
			continue
		}
		bound[step.ID] = w
	}
	if len(problems) > 0 {
		return nil, &model.ValidationError{WorkflowID: wf.ID, Problems: problems}
	}
	return bound, nil
}
