package model

import (
	"encoding/json"
	"time"
)

// CheckpointMetadata is the sidecar record written for every checkpoint.
// Its presence on disk is what makes a checkpoint exist.
type CheckpointMetadata struct {
	ID            string    `json:"id"`
	Worker        string    `json:"worker"`
	Task          string    `json:"task"`
	Iteration     int       `json:"iteration"`
	WorkspacePath string    `json:"workspace_path"`
	FilesCreated  int       `json:"files_created"`
	Usage         int64     `json:"usage"`
	Timestamp     time.Time `json:"timestamp"`
}

// Checkpoint is an immutable, durable record of run progress.
type Checkpoint struct {
	ID                   string             `json:"id"`
	Metadata             CheckpointMetadata `json:"metadata"`
	State                json.RawMessage    `json:"state"`
	WorkspaceFingerprint map[string]string  `json:"workspace_fingerprint"`
}

// Snapshot decodes the run snapshot held by the checkpoint.
func (c *Checkpoint) Snapshot() (*Snapshot, error) {
	return DecodeSnapshot(c.State)
}

// PeerReviewResult is the outcome of a primary/reviewers/incorporate cycle.
type PeerReviewResult struct {
	Task          string        `json:"task"`
	Primary       StepOutcome   `json:"primary"`
	Reviews       []StepOutcome `json:"reviews"`
	Incorporation *StepOutcome  `json:"incorporation,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Success reports whether the primary and incorporation phases both succeeded.
// Reviewer failures do not fail the review.
func (r *PeerReviewResult) Success() bool {
	return r.Primary.Success() && r.Incorporation != nil && r.Incorporation.Success()
}
