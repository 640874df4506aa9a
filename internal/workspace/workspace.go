// Package workspace hands out the directory each step dispatch works in.
//
// In shared mode every step works directly in the run workspace. In isolated
// mode each dispatch gets a private arena seeded with a copy of the workspace;
// the arena is merged back when the step succeeds and discarded otherwise.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/me/taskgraph/pkg/model"
)

// Mode selects how concurrent steps share the workspace.
type Mode string

const (
	ModeShared   Mode = "shared"
	ModeIsolated Mode = "isolated"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeShared || m == ModeIsolated
}

// Manager owns one run workspace.
type Manager struct {
	root   string
	mode   Mode
	logger *slog.Logger

	// mu serializes merges into root.
	mu sync.Mutex
}

// New creates a Manager for root. An empty mode means shared.
func New(root string, mode Mode, logger *slog.Logger) (*Manager, error) {
	if mode == "" {
		mode = ModeShared
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("unknown workspace mode %q", mode)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Manager{root: abs, mode: mode, logger: logger.With("component", "workspace")}, nil
}

// Root returns the absolute workspace path.
func (m *Manager) Root() string { return m.root }

// Mode returns the sharing mode.
func (m *Manager) Mode() Mode { return m.mode }

// Lease is the working directory granted to one dispatch.
type Lease struct {
	Dir string

	m     *Manager
	seed  map[string]bool
	owned bool
	done  bool
}

// Acquire returns the directory for one attempt of a step.
func (m *Manager) Acquire(stepID string, attempt int) (*Lease, error) {
	if m.mode == ModeShared {
		return &Lease{Dir: m.root, m: m}, nil
	}

	dir, err := m.arenaDir(stepID, attempt)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("reset arena %s: %w", dir, err)
	}

	m.mu.Lock()
	seed, err := copyTree(m.root, dir)
	m.mu.Unlock()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("seed arena for %s: %w", stepID, err)
	}
	m.logger.Debug("arena acquired", "step_id", stepID, "attempt", attempt, "files", len(seed))
	return &Lease{Dir: dir, m: m, seed: seed, owned: true}, nil
}

// arenaDir returns the arena for one attempt. The result is always a direct
// child of <root>/.taskgraph/arena.
func (m *Manager) arenaDir(stepID string, attempt int) (string, error) {
	base := filepath.Join(m.root, model.ScratchDir, "arena")
	dir := filepath.Join(base, stepID+"-"+strconv.Itoa(attempt))
	rel, err := filepath.Rel(base, dir)
	if err != nil || rel != filepath.Base(dir) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("step id %q does not name an arena under %s", stepID, base)
	}
	return dir, nil
}

// Commit merges an isolated arena into the workspace and removes it. Files
// the step deleted from its copy are deleted from the workspace. Concurrent
// commits are applied one at a time; the last writer of a path wins.
func (l *Lease) Commit() error {
	if !l.owned || l.done {
		return nil
	}
	l.done = true

	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	present, err := copyTree(l.Dir, l.m.root)
	if err != nil {
		return fmt.Errorf("merge arena %s: %w", l.Dir, err)
	}
	for rel := range l.seed {
		if present[rel] {
			continue
		}
		if err := os.Remove(filepath.Join(l.m.root, filepath.FromSlash(rel))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("merge arena %s: %w", l.Dir, err)
		}
	}
	return os.RemoveAll(l.Dir)
}

// Discard drops an isolated arena without touching the workspace.
func (l *Lease) Discard() error {
	if !l.owned || l.done {
		return nil
	}
	l.done = true
	return os.RemoveAll(l.Dir)
}

// copyTree copies regular files from src into dst, skipping the scratch
// directory, and returns the set of copied relative paths.
func copyTree(src, dst string) (map[string]bool, error) {
	copied := make(map[string]bool)
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != src && d.Name() == model.ScratchDir {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, filepath.Join(dst, rel)); err != nil {
			return err
		}
		copied[filepath.ToSlash(rel)] = true
		return nil
	})
	return copied, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
