package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current run snapshot schema version. Bump it when
// the Snapshot layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is the explicit, versioned form of a run state persisted inside
// checkpoints.
type Snapshot struct {
	Version    int                   `json:"version"`
	RunID      string                `json:"run_id"`
	WorkflowID string                `json:"workflow_id"`
	Status     RunStatus             `json:"status"`
	Iteration  int                   `json:"iteration"`
	Usage      int64                 `json:"usage"`
	Steps      map[string]StepStatus `json:"steps"`
	Results    map[string]string     `json:"results"`
	Attempts   map[string]int        `json:"attempts"`
	TakenAt    time.Time             `json:"taken_at"`
}

// Encode serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a snapshot and rejects unknown schema versions.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if head.Version != SnapshotVersion {
		return nil, &SnapshotVersionError{Got: head.Version, Want: SnapshotVersion}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for id, st := range snap.Steps {
		if !st.IsValid() {
			return nil, fmt.Errorf("decode snapshot: step %s has unknown status %q", id, st)
		}
	}
	return &snap, nil
}

// RestoreRunState rebuilds a RUNNING run state for wf from a snapshot.
//
// Completed, skipped, failed and blocked steps keep their status. Steps that
// were running or retrying return to the unresolved pool with their attempt
// counts; the step that aborted the run is re-offered with a fresh budget.
// iteration is the number of the last batch covered by the snapshot.
func RestoreRunState(wf *Workflow, snap *Snapshot, iteration int) (*RunState, error) {
	if snap.WorkflowID != wf.ID {
		return nil, fmt.Errorf("snapshot belongs to workflow %q, not %q", snap.WorkflowID, wf.ID)
	}
	for id := range snap.Steps {
		if wf.StepByID(id) == nil {
			return nil, fmt.Errorf("snapshot references step %q missing from workflow %q", id, wf.ID)
		}
	}

	state := NewRunState(snap.RunID, wf.ID)
	state.Status = RunStatusRunning
	state.Iteration = iteration
	state.Usage = snap.Usage

	for id, st := range snap.Steps {
		switch st {
		case StepStatusCompleted:
			state.Completed[id] = true
			state.Results[id] = snap.Results[id]
		case StepStatusSkipped:
			state.Skipped[id] = true
		case StepStatusFailed:
			state.Failed[id] = true
		case StepStatusBlocked:
			state.MarkBlocked(id)
		case StepStatusAborted:
			continue
		}
		if n := snap.Attempts[id]; n > 0 {
			state.Attempts[id] = n
		}
	}
	return state, nil
}
