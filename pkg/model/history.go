package model

import "time"

// RunRecord is the persisted history entry for one run.
type RunRecord struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	WorkflowName   string     `json:"workflow_name"`
	Status         RunStatus  `json:"status"`
	Batches        int        `json:"batches"`
	Usage          int64      `json:"usage"`
	ResumedFrom    string     `json:"resumed_from,omitempty"`
	LastCheckpoint string     `json:"last_checkpoint,omitempty"`
	AbortStep      string     `json:"abort_step,omitempty"`
	AbortCause     string     `json:"abort_cause,omitempty"`
	Report         *RunReport `json:"report,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Step event actions that do not come from a dispatch.
const (
	StepEventSkipped = "skipped"
	StepEventBlocked = "blocked"
)

// StepEvent records one step transition within a run: a dispatch outcome
// with the policy action taken, or a skip or block.
type StepEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id"`
	Worker    string    `json:"worker,omitempty"`
	Attempt   int       `json:"attempt"`
	Iteration int       `json:"iteration"`
	Action    string    `json:"action"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Usage     int64     `json:"usage"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}
