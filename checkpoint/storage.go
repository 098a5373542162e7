package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// pauseFileName is the fixed checkpoint file name within a session's
// checkpoint directory.
const pauseFileName = "pause.json"

// Store persists checkpoints to {checkpointDir}/{session_name_or_id}/pause.json,
// using write-then-rename so a reader never observes a partial file.
type Store struct {
	checkpointDir string
}

// NewStore returns a Store rooted at checkpointDir.
func NewStore(checkpointDir string) *Store {
	return &Store{checkpointDir: checkpointDir}
}

func (s *Store) pausePath(dirKey string) string {
	return filepath.Join(s.checkpointDir, dirKey, pauseFileName)
}

// Save atomically writes a checkpoint to its session directory, creating
// the directory tree if necessary.
func (s *Store) Save(c *Checkpoint) error {
	if c == nil {
		return fmt.Errorf("checkpoint: cannot save nil checkpoint")
	}
	dirKey := c.DirKey()
	if dirKey == "" {
		return fmt.Errorf("checkpoint: session id or name is required")
	}

	dir := filepath.Join(s.checkpointDir, dirKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", dir, err)
	}

	data, err := c.Serialize()
	if err != nil {
		return err
	}

	if err := renameio.WriteFile(s.pausePath(dirKey), data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: writing %s: %w", s.pausePath(dirKey), err)
	}
	return nil
}

// Load reads the checkpoint for a session name or id. It returns
// os.ErrNotExist (wrapped) when no checkpoint is present.
func (s *Store) Load(dirKey string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.pausePath(dirKey))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: loading %s: %w", dirKey, err)
	}
	return Deserialize(data)
}

// Clear removes a session's checkpoint directory entirely, used once a
// run completes successfully and no resumable state remains.
func (s *Store) Clear(dirKey string) error {
	dir := filepath.Join(s.checkpointDir, dirKey)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("checkpoint: clearing %s: %w", dir, err)
	}
	return nil
}

// List returns the session directory keys that currently hold a pending
// checkpoint, for `sdqctl sessions` and startup recovery scans.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.checkpointDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing %s: %w", s.checkpointDir, err)
	}

	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.checkpointDir, e.Name(), pauseFileName)); err == nil {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}
