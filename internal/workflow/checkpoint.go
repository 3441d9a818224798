package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckpointStore persists one JSON snapshot per task so a restart
// resumes from the last completed phase instead of re-running work.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates the checkpoint directory if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir %s: %w", dir, err)
	}
	return &CheckpointStore{dir: dir}, nil
}

func (c *CheckpointStore) path(taskID string) string {
	return filepath.Join(c.dir, taskID+".json")
}

// Save writes the state atomically: temp file then rename, so a crash
// mid-write never leaves a truncated checkpoint.
func (c *CheckpointStore) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint for task %s: %w", state.TaskID, err)
	}
	tmp := c.path(state.TaskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint for task %s: %w", state.TaskID, err)
	}
	if err := os.Rename(tmp, c.path(state.TaskID)); err != nil {
		return fmt.Errorf("committing checkpoint for task %s: %w", state.TaskID, err)
	}
	return nil
}

// Load reads a task's checkpoint. A missing checkpoint returns
// os.ErrNotExist wrapped.
func (c *CheckpointStore) Load(taskID string) (*State, error) {
	data, err := os.ReadFile(c.path(taskID))
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint for task %s: %w", taskID, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing checkpoint for task %s: %w", taskID, err)
	}
	return &state, nil
}

// LoadAll returns every checkpoint in the store. Corrupt files are
// skipped rather than failing a resume of the healthy remainder.
func (c *CheckpointStore) LoadAll() ([]*State, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	var states []*State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		state, err := c.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// Delete removes a task's checkpoint. Deleting a missing checkpoint
// is not an error.
func (c *CheckpointStore) Delete(taskID string) error {
	err := os.Remove(c.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting checkpoint for task %s: %w", taskID, err)
	}
	return nil
}
