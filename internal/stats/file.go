package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileStore persists stats snapshots as an indented JSON file, in the format
// the original deployment used.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to the given path.
//
// Precondition: path must be non-empty.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the snapshot file.
//
// Postcondition: Returns the snapshot, ErrNoSnapshot if the file does not
// exist, or another error for unreadable/corrupt files.
func (f *FileStore) Load(_ context.Context) (Snapshot, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("reading stats file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parsing stats file: %w", err)
	}
	return snap, nil
}

// Save writes the snapshot file.
func (f *FileStore) Save(_ context.Context, snap Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	if err := os.WriteFile(f.path, b, 0o644); err != nil {
		return fmt.Errorf("writing stats file: %w", err)
	}
	return nil
}
