package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/docflow/pkg/types"
)

var (
	// ErrRunNotFound is returned when no run exists for the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned when an operation needs a live run but
	// the run already reached a terminal status.
	ErrRunFinished = errors.New("run already finished")
)

// CheckpointStore persists run state as one JSON file per run under the
// runs directory. Writes go to a temp file in the same directory and are
// fsynced before the rename, so a crash leaves either the previous
// checkpoint or the new one, never a torn file.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates the runs directory if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("runs directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

// Save atomically replaces the checkpoint for run.ID.
func (s *CheckpointStore) Save(run *types.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id must not be empty")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, run.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint for run %s: %w", run.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint for run %s: %w", run.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint for run %s: %w", run.ID, err)
	}

	if err := os.Rename(tmpName, s.path(run.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit checkpoint for run %s: %w", run.ID, err)
	}
	return nil
}

// Load reads one checkpoint by run id.
func (s *CheckpointStore) Load(runID string) (*types.Run, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", runID, err)
	}
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", runID, err)
	}
	return &run, nil
}

// LoadAll reads every checkpoint in the runs directory. Files that are not
// run checkpoints, including leftover temp files from an interrupted save,
// are skipped. Unreadable checkpoints are returned in bad by file name so
// the caller can report them without losing the healthy runs.
func (s *CheckpointStore) LoadAll() (runs []*types.Run, bad []string, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			bad = append(bad, name)
			continue
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil || run.ID == "" {
			bad = append(bad, name)
			continue
		}
		runs = append(runs, &run)
	}
	return runs, bad, nil
}

// Delete removes the checkpoint for a run. Missing checkpoints are a no-op.
func (s *CheckpointStore) Delete(runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint %s: %w", runID, err)
	}
	return nil
}

func (s *CheckpointStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}
