package model

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending               RunStatus = "PENDING"
	RunStatusRunning               RunStatus = "RUNNING"
	RunStatusCompleted             RunStatus = "COMPLETED"
	RunStatusCompletedWithFailures RunStatus = "COMPLETED_WITH_FAILURES"
	RunStatusFailed                RunStatus = "FAILED"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithFailures, RunStatusFailed:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for runs.
// RUNNING may be re-entered from RUNNING when a run resumes from a checkpoint.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusRunning, RunStatusCompleted, RunStatusCompletedWithFailures, RunStatusFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus is the per-step state recorded in run snapshots.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusRetrying  StepStatus = "RETRYING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusBlocked   StepStatus = "BLOCKED"
	// StepStatusAborted marks the step whose failure stopped the run.
	StepStatusAborted StepStatus = "ABORTED"
)

// String returns the string representation of the step status.
func (s StepStatus) String() string {
	return string(s)
}

// IsResolved returns true if the step will not be dispatched again in this run.
func (s StepStatus) IsResolved() bool {
	switch s {
	case StepStatusCompleted, StepStatusSkipped, StepStatusFailed, StepStatusBlocked, StepStatusAborted:
		return true
	}
	return false
}

// IsValid reports whether s is a known step status.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusRetrying, StepStatusCompleted,
		StepStatusSkipped, StepStatusFailed, StepStatusBlocked, StepStatusAborted:
		return true
	}
	return false
}
