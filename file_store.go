package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps one JSON file per instance under a base directory.
// Writes go through a temp file and a rename, so a crash mid-save
// leaves either the previous snapshot or the new one, never a torn
// file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the base directory if needed and returns a
// store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the snapshot atomically, replacing any earlier one for
// the same instance ID.
func (f *FileStore) Save(ctx context.Context, snap *InstanceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", snap.ID, err)
	}

	target := f.path(snap.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", snap.ID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Load reads a snapshot back by instance ID.
func (f *FileStore) Load(ctx context.Context, instanceID string) (*InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("instance %s not found", instanceID)
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", instanceID, err)
	}

	var snap InstanceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", instanceID, err)
	}
	return &snap, nil
}

// Delete removes the snapshot file. Deleting an absent snapshot is not
// an error.
func (f *FileStore) Delete(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(instanceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting snapshot %s: %w", instanceID, err)
	}
	return nil
}

func (f *FileStore) path(instanceID string) string {
	return filepath.Join(f.dir, instanceID+".json")
}
