// Package checkpoint persists run progress as immutable, timestamp-ordered
// checkpoints on the local filesystem.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/me/taskgraph/pkg/model"
)

// IDLayout formats checkpoint ids. Lexical order of ids equals creation order.
const IDLayout = "20060102T150405.000000000Z"

// DefaultMaxCheckpoints is the rotation limit used when none is configured.
const DefaultMaxCheckpoints = 10

const (
	filePrefix = "checkpoint_"
	metaSuffix = "_meta.json"
	blobSuffix = ".json"
)

// Request describes a checkpoint to create.
type Request struct {
	Worker        string
	Task          string
	Iteration     int
	WorkspacePath string
	State         []byte
	Usage         int64
}

// blob is the on-disk state file.
type blob struct {
	ID                   string            `json:"id"`
	State                json.RawMessage   `json:"state"`
	WorkspaceFingerprint map[string]string `json:"workspace_fingerprint"`
}

// FileStore keeps checkpoints as a state blob plus a metadata sidecar per id.
// The sidecar is written last and marks the checkpoint as existing.
type FileStore struct {
	dir            string
	maxCheckpoints int
	now            func() time.Time
	logger         *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithMaxCheckpoints sets how many checkpoints rotation keeps.
// Values below 1 keep the default.
func WithMaxCheckpoints(n int) Option {
	return func(s *FileStore) {
		if n > 0 {
			s.maxCheckpoints = n
		}
	}
}

// WithClock overrides the time source used for checkpoint ids.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore opens (creating if needed) a checkpoint directory.
func NewFileStore(dir string, logger *slog.Logger, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	s := &FileStore{
		dir:            dir,
		maxCheckpoints: DefaultMaxCheckpoints,
		now:            time.Now,
		logger:         logger.With("component", "checkpoint-store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if t, err := time.Parse(IDLayout, ids[len(ids)-1]); err == nil {
			s.last = t
		}
	}
	return s, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string { return s.dir }

// MaxCheckpoints returns the rotation limit.
func (s *FileStore) MaxCheckpoints() int { return s.maxCheckpoints }

// Create writes a new checkpoint and rotates old ones. The workspace named in
// req is fingerprinted at creation time.
func (s *FileStore) Create(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.State) > 0 && !json.Valid(req.State) {
		return "", errors.New("create checkpoint: state is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prints, err := Fingerprint(req.WorkspacePath)
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}

	ts := s.nextTimestamp()
	id := ts.Format(IDLayout)
	meta := model.CheckpointMetadata{
		ID:            id,
		Worker:        req.Worker,
		Task:          req.Task,
		Iteration:     req.Iteration,
		WorkspacePath: req.WorkspacePath,
		FilesCreated:  len(prints),
		Usage:         req.Usage,
		Timestamp:     ts,
	}
	state := json.RawMessage(req.State)
	if len(state) == 0 {
		state = json.RawMessage("null")
	}

	data, err := json.Marshal(blob{ID: id, State: state, WorkspaceFingerprint: prints})
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.blobPath(id), data, 0o644); err != nil {
		return "", fmt.Errorf("create checkpoint: write state: %w", err)
	}

	data, err = marshalStable(meta)
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(id), data, 0o644); err != nil {
		return "", fmt.Errorf("create checkpoint: write metadata: %w", err)
	}

	s.logger.Debug("checkpoint created", "id", id, "iteration", req.Iteration, "files", len(prints))

	if _, err := s.rotateLocked(); err != nil {
		s.logger.Warn("checkpoint rotation failed", "error", err)
	}
	return id, nil
}

// Load returns the checkpoint with the given id, or an error wrapping
// model.ErrNotFound.
func (s *FileStore) Load(ctx context.Context, id string) (*model.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, fmt.Errorf("checkpoint %q: %w", id, model.ErrNotFound)
	}

	var meta model.CheckpointMetadata
	if err := readJSON(s.metaPath(id), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checkpoint %q: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	var b blob
	if err := readJSON(s.blobPath(id), &b); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checkpoint %q: state file missing: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	if b.WorkspaceFingerprint == nil {
		b.WorkspaceFingerprint = map[string]string{}
	}

	return &model.Checkpoint{
		ID:                   id,
		Metadata:             meta,
		State:                b.State,
		WorkspaceFingerprint: b.WorkspaceFingerprint,
	}, nil
}

// Latest returns the newest checkpoint.
func (s *FileStore) Latest(ctx context.Context) (*model.Checkpoint, error) {
	return s.LatestFor(ctx, "")
}

// LatestFor returns the newest checkpoint whose run snapshot belongs to
// workflowID. An empty workflowID matches any checkpoint. Checkpoints of
// other workflows sharing the directory are passed over.
func (s *FileStore) LatestFor(ctx context.Context, workflowID string) (*model.Checkpoint, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		cp, err := s.Load(ctx, meta.ID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if workflowID == "" {
			return cp, nil
		}
		snap, err := cp.Snapshot()
		if err != nil {
			s.logger.Debug("skipping checkpoint without a usable snapshot", "id", meta.ID, "error", err)
			continue
		}
		if snap.WorkflowID == workflowID {
			return cp, nil
		}
	}
	if workflowID != "" {
		return nil, fmt.Errorf("latest checkpoint for workflow %q: %w", workflowID, model.ErrNotFound)
	}
	return nil, fmt.Errorf("latest checkpoint: %w", model.ErrNotFound)
}

// List returns metadata for every checkpoint, newest first. Sidecars that
// cannot be decoded are logged and skipped.
func (s *FileStore) List(ctx context.Context) ([]model.CheckpointMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	metas := make([]model.CheckpointMetadata, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		var meta model.CheckpointMetadata
		if err := readJSON(s.metaPath(ids[i]), &meta); err != nil {
			s.logger.Warn("skipping unreadable checkpoint metadata", "id", ids[i], "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Delete removes a checkpoint. It reports whether the checkpoint existed.
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validID(id) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

// Rotate removes the oldest checkpoints beyond the configured maximum and
// any state files left without a sidecar. It returns the number of
// checkpoints removed.
func (s *FileStore) Rotate(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// Clear removes every checkpoint file and returns the number of checkpoints
// removed.
func (s *FileStore) Clear(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids()
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		if _, err := removeIfExists(filepath.Join(s.dir, e.Name())); err != nil {
			return 0, fmt.Errorf("clear checkpoints: %w", err)
		}
	}
	s.logger.Info("checkpoints cleared", "count", len(ids))
	return len(ids), nil
}

func (s *FileStore) deleteLocked(id string) (bool, error) {
	existed, err := removeIfExists(s.metaPath(id))
	if err != nil {
		return false, fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	if _, err := removeIfExists(s.blobPath(id)); err != nil {
		return existed, fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return existed, nil
}

func (s *FileStore) rotateLocked() (int, error) {
	ids, err := s.ids()
	if err != nil {
		return 0, err
	}

	removed := 0
	if excess := len(ids) - s.maxCheckpoints; excess > 0 {
		for _, id := range ids[:excess] {
			if _, err := s.deleteLocked(id); err != nil {
				return removed, err
			}
			removed++
		}
		s.logger.Debug("checkpoints rotated", "removed", removed, "kept", s.maxCheckpoints)
	}

	orphans, err := s.orphanBlobs()
	if err != nil {
		return removed, err
	}
	for _, name := range orphans {
		if _, err := removeIfExists(filepath.Join(s.dir, name)); err != nil {
			return removed, fmt.Errorf("remove orphan %s: %w", name, err)
		}
		s.logger.Debug("orphan checkpoint state removed", "file", name)
	}
	return removed, nil
}

// ids returns the ids of all checkpoints with a sidecar, oldest first.
func (s *FileStore) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), metaSuffix)
		if validID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// orphanBlobs lists state files whose sidecar is missing.
func (s *FileStore) orphanBlobs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || strings.HasSuffix(name, metaSuffix) || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), blobSuffix)
		if !validID(id) {
			continue
		}
		if _, err := os.Stat(s.metaPath(id)); errors.Is(err, os.ErrNotExist) {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}

// nextTimestamp returns a UTC timestamp strictly after the previous one.
func (s *FileStore) nextTimestamp() time.Time {
	ts := s.now().UTC().Round(0)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	s.last = ts
	return ts
}

func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.dir, filePrefix+id+metaSuffix)
}

func (s *FileStore) blobPath(id string) string {
	return filepath.Join(s.dir, filePrefix+id+blobSuffix)
}

func validID(id string) bool {
	_, err := time.Parse(IDLayout, id)
	return err == nil
}
