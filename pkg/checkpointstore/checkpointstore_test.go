package checkpointstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreReportsNotFoundOnFreshStore(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	data, found, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
}

func TestSnapshotThenRestoreRoundTrips(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	id, err := s.NextCheckpointID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	require.NoError(t, s.Snapshot(context.Background(), id, []byte(`{"phase":"BINLOG_ASSIGNED"}`)))

	data, found, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"phase":"BINLOG_ASSIGNED"}`, string(data))
}

func TestSnapshotOverwritesPreviousCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := NewFileStore(path)

	require.NoError(t, s.Snapshot(context.Background(), 1, []byte("first")))
	require.NoError(t, s.Snapshot(context.Background(), 2, []byte("second")))

	data, found, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files after a successful snapshot")
}

func TestNextCheckpointIDIsMonotonic(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	a, err := s.NextCheckpointID(context.Background())
	require.NoError(t, err)
	b, err := s.NextCheckpointID(context.Background())
	require.NoError(t, err)
	assert.Greater(t, b, a)
}
