package checkpoint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/me/taskgraph/pkg/model"
)

// sampleSize is how many bytes are read from each end of a file.
const sampleSize = 10

// Fingerprint walks root and returns a map of slash-separated relative path
// to "<size>_<hex prefix>_<hex suffix>" for every regular file. It is a
// drift signal only; two different files can share a fingerprint. A missing
// root yields an empty map. Unreadable files and the scheduler's scratch
// directory are skipped.
func Fingerprint(root string) (map[string]string, error) {
	prints := make(map[string]string)
	if root == "" {
		return prints, nil
	}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return prints, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() && path != root && d.Name() == model.ScratchDir {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fp, err := FingerprintFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		prints[filepath.ToSlash(rel)] = fp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", root, err)
	}
	return prints, nil
}

// FingerprintFile samples the first and last bytes of a single file.
// Files shorter than the sample contribute their whole content to both parts.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	head := make([]byte, min(size, sampleSize))
	if _, err := io.ReadFull(f, head); err != nil {
		return "", err
	}
	tail := head
	if size > sampleSize {
		tail = make([]byte, sampleSize)
		if _, err := f.ReadAt(tail, size-sampleSize); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d_%s_%s", size, hex.EncodeToString(head), hex.EncodeToString(tail)), nil
}

// Drift lists the differences between two workspace fingerprints.
type Drift struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// Empty reports whether no drift was found.
func (d Drift) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares a recorded fingerprint against the current one.
func Diff(recorded, current map[string]string) Drift {
	var d Drift
	for path, fp := range current {
		old, ok := recorded[path]
		switch {
		case !ok:
			d.Added = append(d.Added, path)
		case old != fp:
			d.Changed = append(d.Changed, path)
		}
	}
	for path := range recorded {
		if _, ok := current[path]; !ok {
			d.Removed = append(d.Removed, path)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
