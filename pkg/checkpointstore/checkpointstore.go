// Package checkpointstore implements a file-backed iface.Checkpointer:
// opaque bytes written to a temp file and atomically renamed into place,
// so a crash mid-write can never leave a corrupt checkpoint behind.
//
// No library in the teacher or the rest of the pack does atomic file
// checkpoints (the teacher's own Runner.dumpCheckpoint writes into the
// target MySQL server, not a local file) — this is a deliberate
// standard-library-only component, documented in DESIGN.md.
package checkpointstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// FileStore persists checkpoint bytes to a single path on local disk.
type FileStore struct {
	path string

	mu      sync.Mutex
	counter int64
}

// NewFileStore builds a store rooted at path. The directory containing
// path must already exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// NextCheckpointID returns a monotonically increasing id local to this
// process; good enough since the checkpoint file itself is the single
// source of truth and is never written concurrently from two processes.
func (s *FileStore) NextCheckpointID(context.Context) (int64, error) {
	return atomic.AddInt64(&s.counter, 1), nil
}

// Snapshot writes data to a temp file in the same directory as s.path and
// renames it into place, so a concurrent Restore (or a crash) never
// observes a partially-written checkpoint.
func (s *FileStore) Snapshot(_ context.Context, id int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.tmp-%d-", filepath.Base(s.path), id))
	if err != nil {
		return fmt.Errorf("cdc: creating temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cdc: writing temp checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cdc: syncing temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cdc: closing temp checkpoint file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cdc: renaming checkpoint file into place: %w", err)
	}
	return nil
}

// Restore reads the checkpoint file back, reporting found == false if it
// does not exist yet (the first run of a new job).
func (s *FileStore) Restore(context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cdc: reading checkpoint file: %w", err)
	}
	return data, true, nil
}
