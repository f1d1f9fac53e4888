// Package pipeline runs the per-table task graph and decides which tasks
// must re-run based on the current state of the local directory tree.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"
)

// Resolver decides task staleness from completion markers and the current
// file listing of each task's input directory. It holds no state of its
// own; everything it knows is re-read from disk at decision time.
type Resolver struct {
	markerDir string
}

// NewResolver creates a Resolver storing markers under markerDir.
func NewResolver(markerDir string) *Resolver {
	return &Resolver{markerDir: markerDir}
}

// marker records one successful task completion and the exact input set
// it saw. Markers are namespaced by flavor and version through markerDir.
type marker struct {
	Task        string            `json:"task"`
	RunID       string            `json:"run_id"`
	CompletedAt time.Time         `json:"completed_at"`
	Inputs      map[string]string `json:"inputs,omitempty"`
}

// Snapshot lists files under dir whose names match pattern, keyed by name
// with the modification time as value. A missing directory yields an
// empty snapshot; any other read failure is surfaced to the caller.
func Snapshot(dir, pattern string) (map[string]string, error) {
	out := make(map[string]string)
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched, err := filepath.Match(pattern, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("match pattern %q: %w", pattern, err)
		}
		if !matched {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		out[entry.Name()] = info.ModTime().UTC().Format(time.RFC3339Nano)
	}
	return out, nil
}

// IsStale reports whether the named task must re-run. A task is stale
// when it has no completion marker, when its matched input set differs
// from the one recorded at last completion, or when an upstream task
// re-ran in the current invocation.
func (r *Resolver) IsStale(task, inputDir, pattern string, upstreamReran bool) (bool, error) {
	if upstreamReran {
		return true, nil
	}
	m, err := r.readMarker(task)
	if err != nil {
		return true, &StalenessComputationError{Task: task, Dir: r.markerDir, Err: err}
	}
	if m == nil {
		return true, nil
	}
	current, err := Snapshot(inputDir, pattern)
	if err != nil {
		return true, &StalenessComputationError{Task: task, Dir: inputDir, Err: err}
	}
	if !maps.Equal(m.Inputs, current) {
		return true, nil
	}
	return false, nil
}

// RecordCompletion writes the task's marker after a successful run,
// snapshotting the input set the completed outputs were derived from.
func (r *Resolver) RecordCompletion(task, runID, inputDir, pattern string) error {
	inputs, err := Snapshot(inputDir, pattern)
	if err != nil {
		return &StalenessComputationError{Task: task, Dir: inputDir, Err: err}
	}
	m := marker{
		Task:        task,
		RunID:       runID,
		CompletedAt: time.Now().UTC(),
		Inputs:      inputs,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker for %s: %w", task, err)
	}
	if err := os.MkdirAll(r.markerDir, 0o750); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	path := r.markerPath(task)
	tmpPath := path + ".partial"
	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return fmt.Errorf("write marker for %s: %w", task, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize marker for %s: %w", task, err)
	}
	return nil
}

// readMarker returns nil with no error when the task has never completed.
func (r *Resolver) readMarker(task string) (*marker, error) {
	raw, err := os.ReadFile(r.markerPath(task))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(raw, &m); err != nil {
		// A corrupt marker means the task's completion state is unknown.
		return nil, nil
	}
	return &m, nil
}

func (r *Resolver) markerPath(task string) string {
	return filepath.Join(r.markerDir, task+".json")
}
