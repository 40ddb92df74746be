package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/cdcerrors"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/iface"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
)

// fakeConn serves a fixed table, advancing its reported binlog position by
// one on every CurrentPosition call so LOW and HIGH always differ.
type fakeConn struct {
	rows     []iface.Row
	pos      uint32
	failScan int // if > 0, Query fails this many times before succeeding
}

func (f *fakeConn) CurrentPosition(context.Context) (offset.Offset, error) {
	f.pos++
	return offset.Offset{File: "mysql-bin.000001", Pos: f.pos}, nil
}

func (f *fakeConn) Query(_ context.Context, query string, h iface.RowHandler) error {
	if f.failScan > 0 {
		f.failScan--
		return cdcerrors.ErrTransientIO
	}
	for _, r := range f.rows {
		if err := h(r); err != nil {
			return err
		}
	}
	return nil
}

// fakeBinlog replays a fixed, pre-baked list of events regardless of the
// requested start offset (tests only need events >= some low watermark,
// and all fixture offsets here are already past any low watermark used).
type fakeBinlog struct {
	events []*iface.RawBinlogEvent
}

type fakeStream struct {
	events []*iface.RawBinlogEvent
	i      int
}

func (f *fakeBinlog) StreamBinlog(context.Context, offset.Offset) (iface.BinlogEventStream, error) {
	return &fakeStream{events: f.events}, nil
}

func (s *fakeStream) Next(context.Context) (*iface.RawBinlogEvent, error) {
	if s.i >= len(s.events) {
		return nil, errors.New("fakeStream: exhausted")
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

func testSplit() split.SnapshotSplit {
	return split.SnapshotSplit{
		SplitID:      "products-0",
		Table:        split.TableID{Schema: "shop", Table: "products"},
		ChunkKeyCols: []string{"id"},
		TableSchema: split.TableSchema{
			Columns:      []string{"id", "name"},
			ChunkKeyCols: []string{"id"},
		},
	}
}

func TestExecuteScanOnlyProducesAllRows(t *testing.T) {
	conn := &fakeConn{rows: []iface.Row{
		{"id": "1", "name": "a"},
		{"id": "2", "name": "b"},
	}}
	r := New(conn, &fakeBinlog{}, DefaultRetry(), nil)

	res, err := r.Execute(context.Background(), testSplit())
	require.NoError(t, err)
	assert.Len(t, res.Batch.Rows, 2)
	assert.Equal(t, "products-0", res.Info.SplitID)
}

func TestExecuteReplaysChangesBetweenWatermarks(t *testing.T) {
	conn := &fakeConn{rows: []iface.Row{
		{"id": "1", "name": "a"},
	}}
	// LOW will be pos=1, HIGH will be pos=2 (conn.pos increments once per
	// CurrentPosition call, called exactly twice by Execute).
	binlog := &fakeBinlog{events: []*iface.RawBinlogEvent{
		{
			Offset:       offset.Offset{File: "mysql-bin.000001", Pos: 1},
			IsDataChange: true,
			Table:        split.TableID{Schema: "shop", Table: "products"},
			Key:          split.ChunkKey{split.StringDatum("1")},
			Op:           iface.ChangeUpdate,
			After:        iface.Row{"id": "1", "name": "a-updated"},
		},
	}}
	r := New(conn, binlog, DefaultRetry(), nil)

	res, err := r.Execute(context.Background(), testSplit())
	require.NoError(t, err)
	require.Len(t, res.Batch.Rows, 1)
	assert.Equal(t, "a-updated", res.Batch.Rows[0]["name"])
}

// TestExecuteIgnoresReplayEventsForOtherTables guards against the shared
// global binlog reader (one CanalSource wired into every table's splits,
// per cmd/mysql-cdc-source) folding another table's concurrent writes into
// this split's batch just because their offsets fall inside [L, H).
func TestExecuteIgnoresReplayEventsForOtherTables(t *testing.T) {
	conn := &fakeConn{rows: []iface.Row{
		{"id": "1", "name": "a"},
	}}
	binlog := &fakeBinlog{events: []*iface.RawBinlogEvent{
		{
			Offset:       offset.Offset{File: "mysql-bin.000001", Pos: 1},
			IsDataChange: true,
			Table:        split.TableID{Schema: "shop", Table: "orders"},
			Key:          split.ChunkKey{split.StringDatum("1")},
			Op:           iface.ChangeInsert,
			After:        iface.Row{"id": "1", "total": "9.99"},
		},
	}}
	r := New(conn, binlog, DefaultRetry(), nil)

	res, err := r.Execute(context.Background(), testSplit())
	require.NoError(t, err)
	require.Len(t, res.Batch.Rows, 1, "an orders-table event must not leak into a products split")
	assert.Equal(t, "a", res.Batch.Rows[0]["name"])
}

func TestExecuteRetriesTransientScanFailure(t *testing.T) {
	conn := &fakeConn{
		rows:     []iface.Row{{"id": "1", "name": "a"}},
		failScan: 1,
	}
	r := New(conn, &fakeBinlog{}, DefaultRetry(), nil)

	res, err := r.Execute(context.Background(), testSplit())
	require.NoError(t, err, "one transient failure must be retried transparently")
	assert.Len(t, res.Batch.Rows, 1)
}

func TestExecuteGivesUpAfterExhaustingRetries(t *testing.T) {
	conn := &fakeConn{failScan: 99}
	retry := Retry{MaxAttempts: 2, BaseDelay: 0}
	r := New(conn, &fakeBinlog{}, retry, nil)

	_, err := r.Execute(context.Background(), testSplit())
	require.Error(t, err)
}

func TestExecuteNonTransientFailureIsNotRetried(t *testing.T) {
	conn := &failingConn{err: errors.New("permanent schema error")}
	retry := Retry{MaxAttempts: 5, BaseDelay: 0}
	r := New(conn, &fakeBinlog{}, retry, nil)

	_, err := r.Execute(context.Background(), testSplit())
	require.Error(t, err)
	assert.Equal(t, 1, conn.calls, "non-retryable error must not be retried")
}

type failingConn struct {
	err   error
	calls int
}

func (f *failingConn) CurrentPosition(context.Context) (offset.Offset, error) {
	return offset.Offset{File: "mysql-bin.000001", Pos: 1}, nil
}

func (f *failingConn) Query(context.Context, string, iface.RowHandler) error {
	f.calls++
	return f.err
}
