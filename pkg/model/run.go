package model

import "time"

// RunState is the mutable progress of one workflow run. It is owned by a
// single coordinator goroutine; it is not safe for concurrent mutation.
type RunState struct {
	RunID      string
	WorkflowID string
	Status     RunStatus

	Completed map[string]bool
	Failed    map[string]bool
	Skipped   map[string]bool

	// Blocked is a subset of Failed: steps that never ran because a
	// dependency failed permanently.
	Blocked  map[string]bool
	InFlight map[string]bool

	// Aborted holds the step whose failure stopped the run.
	Aborted map[string]bool

	Results  map[string]string
	Attempts map[string]int

	// Iteration is the number of the last dispatched batch.
	Iteration int
	Usage     int64

	StartedAt  time.Time
	EndedAt    time.Time
	AbortStep  string
	AbortCause string
}

// NewRunState returns an empty PENDING run state.
func NewRunState(runID, workflowID string) *RunState {
	return &RunState{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     RunStatusPending,
		Completed:  make(map[string]bool),
		Failed:     make(map[string]bool),
		Skipped:    make(map[string]bool),
		Blocked:    make(map[string]bool),
		InFlight:   make(map[string]bool),
		Aborted:    make(map[string]bool),
		Results:    make(map[string]string),
		Attempts:   make(map[string]int),
	}
}

// Transition moves the run to next, enforcing ValidRunTransitions.
func (s *RunState) Transition(next RunStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{Entity: "run", ID: s.RunID, From: string(s.Status), To: string(next)}
	}
	s.Status = next
	return nil
}

// IsResolved reports whether the step has reached a final state in this run.
func (s *RunState) IsResolved(stepID string) bool {
	return s.Completed[stepID] || s.Failed[stepID] || s.Skipped[stepID]
}

// IsSatisfied reports whether dependents of stepID may run.
// Skipped steps count as satisfied.
func (s *RunState) IsSatisfied(stepID string) bool {
	return s.Completed[stepID] || s.Skipped[stepID]
}

// MarkInFlight records that a step has been dispatched.
func (s *RunState) MarkInFlight(stepID string) {
	s.InFlight[stepID] = true
	s.Attempts[stepID]++
}

// MarkCompleted records a successful step and its result token.
func (s *RunState) MarkCompleted(stepID, result string) {
	delete(s.InFlight, stepID)
	s.Completed[stepID] = true
	s.Results[stepID] = result
}

// MarkFailed records a permanent failure.
func (s *RunState) MarkFailed(stepID string) {
	delete(s.InFlight, stepID)
	s.Failed[stepID] = true
}

// MarkAborted records a failure that stops the run. When several steps of
// one batch abort, the first one recorded is reported as the cause.
func (s *RunState) MarkAborted(stepID, cause string) {
	s.MarkFailed(stepID)
	s.Aborted[stepID] = true
	if s.AbortStep == "" {
		s.AbortStep = stepID
		s.AbortCause = cause
	}
}

// MarkRetry returns a failed dispatch to the unresolved pool.
func (s *RunState) MarkRetry(stepID string) {
	delete(s.InFlight, stepID)
}

// MarkInterrupted returns a dispatch cut short by cancellation to the
// unresolved pool without counting it as an attempt.
func (s *RunState) MarkInterrupted(stepID string) {
	delete(s.InFlight, stepID)
	if s.Attempts[stepID]--; s.Attempts[stepID] <= 0 {
		delete(s.Attempts, stepID)
	}
}

// MarkBlocked records a step that can never run.
func (s *RunState) MarkBlocked(stepID string) {
	s.Failed[stepID] = true
	s.Blocked[stepID] = true
}

// MarkSkipped records a step whose condition evaluated false.
func (s *RunState) MarkSkipped(stepID string) {
	s.Skipped[stepID] = true
}

// Unresolved returns ids of steps that are neither completed, failed nor
// skipped, in declaration order.
func (s *RunState) Unresolved(wf *Workflow) []string {
	var ids []string
	for _, step := range wf.Steps {
		if !s.IsResolved(step.ID) {
			ids = append(ids, step.ID)
		}
	}
	return ids
}

// StepStatus returns the status of a single step.
func (s *RunState) StepStatus(stepID string) StepStatus {
	switch {
	case s.Aborted[stepID]:
		return StepStatusAborted
	case s.Blocked[stepID]:
		return StepStatusBlocked
	case s.Failed[stepID]:
		return StepStatusFailed
	case s.Completed[stepID]:
		return StepStatusCompleted
	case s.Skipped[stepID]:
		return StepStatusSkipped
	case s.InFlight[stepID]:
		return StepStatusRunning
	case s.Attempts[stepID] > 0:
		return StepStatusRetrying
	default:
		return StepStatusPending
	}
}

// Snapshot captures a consistent, versioned copy of the run state.
func (s *RunState) Snapshot(wf *Workflow, takenAt time.Time) *Snapshot {
	snap := &Snapshot{
		Version:    SnapshotVersion,
		RunID:      s.RunID,
		WorkflowID: s.WorkflowID,
		Status:     s.Status,
		Iteration:  s.Iteration,
		Usage:      s.Usage,
		Steps:      make(map[string]StepStatus, len(wf.Steps)),
		Results:    make(map[string]string, len(s.Results)),
		Attempts:   make(map[string]int, len(s.Attempts)),
		TakenAt:    takenAt.UTC(),
	}
	for _, step := range wf.Steps {
		snap.Steps[step.ID] = s.StepStatus(step.ID)
	}
	for k, v := range s.Results {
		snap.Results[k] = v
	}
	for k, v := range s.Attempts {
		snap.Attempts[k] = v
	}
	return snap
}

// Report builds the final run report.
func (s *RunState) Report(wf *Workflow) *RunReport {
	r := &RunReport{
		RunID:      s.RunID,
		WorkflowID: s.WorkflowID,
		Status:     s.Status,
		Batches:    s.Iteration,
		Usage:      s.Usage,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		AbortStep:  s.AbortStep,
		AbortCause: s.AbortCause,
	}
	for _, step := range wf.Steps {
		switch {
		case s.Blocked[step.ID]:
			r.Blocked = append(r.Blocked, step.ID)
			r.Failed = append(r.Failed, step.ID)
		case s.Failed[step.ID]:
			r.Failed = append(r.Failed, step.ID)
		case s.Completed[step.ID]:
			r.Completed = append(r.Completed, step.ID)
		case s.Skipped[step.ID]:
			r.Skipped = append(r.Skipped, step.ID)
		default:
			r.NotRun = append(r.NotRun, step.ID)
		}
	}
	return r
}

// StepOutcome is the result of dispatching one step to its worker.
type StepOutcome struct {
	StepID    string    `json:"step_id"`
	Worker    string    `json:"worker"`
	Attempt   int       `json:"attempt"`
	Iteration int       `json:"iteration"`
	Result    string    `json:"result,omitempty"`
	Usage     int64     `json:"usage,omitempty"`
	Err       error     `json:"-"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Success reports whether the dispatch succeeded.
func (o *StepOutcome) Success() bool {
	return o.Err == nil
}

// Duration returns the wall time of the dispatch.
func (o *StepOutcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}
