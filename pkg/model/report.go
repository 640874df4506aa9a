package model

import (
	"fmt"
	"strings"
	"time"
)

// RunReport is the final account of a run. Every run, successful or not,
// produces one. Failed includes the Blocked steps.
type RunReport struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	Status     RunStatus `json:"status"`
	Completed  []string  `json:"completed"`
	Skipped    []string  `json:"skipped"`
	Failed     []string  `json:"failed"`
	Blocked    []string  `json:"blocked"`
	NotRun     []string  `json:"not_run"`
	Batches    int       `json:"batches"`
	Usage      int64     `json:"usage"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	AbortStep  string    `json:"abort_step,omitempty"`
	AbortCause string    `json:"abort_cause,omitempty"`
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Summary renders the report as plain text.
func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (workflow %s): %s\n", r.RunID, r.WorkflowID, r.Status)
	fmt.Fprintf(&b, "  batches:   %d\n", r.Batches)
	fmt.Fprintf(&b, "  duration:  %s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "  usage:     %d\n", r.Usage)
	writeIDs(&b, "completed", r.Completed)
	writeIDs(&b, "skipped", r.Skipped)
	writeIDs(&b, "failed", r.Failed)
	writeIDs(&b, "blocked", r.Blocked)
	writeIDs(&b, "not run", r.NotRun)
	if r.AbortStep != "" {
		fmt.Fprintf(&b, "  aborted by %s: %s\n", r.AbortStep, r.AbortCause)
	}
	return b.String()
}

func writeIDs(b *strings.Builder, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(b, "  %-10s %d (%s)\n", label+":", len(ids), strings.Join(ids, ", "))
}
