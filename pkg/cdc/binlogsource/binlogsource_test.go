package binlogsource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/iface"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
)

var productsTable = split.TableID{Schema: "shop", Table: "products"}

func pos(p uint32) offset.Offset { return offset.Offset{File: "mysql-bin.000001", Pos: p} }

func finishedSplit(id string, lo, hi string, hwm uint32) split.FinishedSnapshotSplitInfo {
	var r split.Range
	if lo != "" {
		r.Start = &split.Boundary{Key: split.ChunkKey{split.StringDatum(lo)}}
	}
	if hi != "" {
		r.End = &split.Boundary{Key: split.ChunkKey{split.StringDatum(hi)}}
	}
	return split.FinishedSnapshotSplitInfo{
		SplitID:       id,
		Table:         productsTable,
		Range:         r,
		HighWatermark: pos(hwm),
	}
}

func TestShouldEmitNonDataChangeAlwaysEmitted(t *testing.T) {
	idx, err := BuildFinishedSplitIndex(nil)
	require.NoError(t, err)

	d, err := ShouldEmit(idx, &iface.RawBinlogEvent{IsDataChange: false, Offset: pos(1)})
	require.NoError(t, err)
	assert.True(t, d.Emit)
}

func TestShouldEmitPastTableFrontierEmits(t *testing.T) {
	idx, err := BuildFinishedSplitIndex([]split.FinishedSnapshotSplitInfo{finishedSplit("p0", "", "", 100)})
	require.NoError(t, err)

	d, err := ShouldEmit(idx, &iface.RawBinlogEvent{
		IsDataChange: true, Table: productsTable, Offset: pos(200),
		Key: split.ChunkKey{split.StringDatum("5")},
	})
	require.NoError(t, err)
	assert.True(t, d.Emit, "offset past the table's max high watermark must always emit")
}

func TestShouldEmitDropsEventAlreadyCoveredBySnapshot(t *testing.T) {
	finished := []split.FinishedSnapshotSplitInfo{
		finishedSplit("p0", "", "5", 100),
		finishedSplit("p1", "5", "9", 150),
	}
	idx, err := BuildFinishedSplitIndex(finished)
	require.NoError(t, err)

	d, err := ShouldEmit(idx, &iface.RawBinlogEvent{
		IsDataChange: true, Table: productsTable, Offset: pos(120),
		Key: split.ChunkKey{split.StringDatum("6")},
	})
	require.NoError(t, err)
	assert.False(t, d.Emit, "offset 120 <= owning split's high watermark 150: already in the snapshot batch")
}

func TestShouldEmitEmitsEventAfterOwningSplitsHighWatermark(t *testing.T) {
	// p0's high watermark (200) is the table's max, so the fast path in
	// rule 2 does not fire for an event owned by p1; rule 3 must still
	// emit once the event is past p1's own high watermark (100), even
	// though 150 is still below the table-wide max of 200.
	finished := []split.FinishedSnapshotSplitInfo{
		finishedSplit("p0", "", "5", 200),
		finishedSplit("p1", "5", "9", 100),
	}
	idx, err := BuildFinishedSplitIndex(finished)
	require.NoError(t, err)

	d, err := ShouldEmit(idx, &iface.RawBinlogEvent{
		IsDataChange: true, Table: productsTable, Offset: pos(150),
		Key: split.ChunkKey{split.StringDatum("6")},
	})
	require.NoError(t, err)
	assert.True(t, d.Emit, "150 > owning split p1's high watermark 100, must emit even though table max is 200")
}

func TestShouldEmitEventExactlyAtHighWatermarkIsDropped(t *testing.T) {
	finished := []split.FinishedSnapshotSplitInfo{finishedSplit("p0", "", "", 150)}
	idx, err := BuildFinishedSplitIndex(finished)
	require.NoError(t, err)

	d, err := ShouldEmit(idx, &iface.RawBinlogEvent{
		IsDataChange: true, Table: productsTable, Offset: pos(150),
		Key: split.ChunkKey{split.StringDatum("6")},
	})
	require.NoError(t, err)
	assert.False(t, d.Emit, "event exactly at high_watermark is already covered (spec.md 8 boundary behavior)")
}

func TestShouldEmitUnmappedKeyIsDropped(t *testing.T) {
	finished := []split.FinishedSnapshotSplitInfo{finishedSplit("p0", "0", "10", 150)}
	idx, err := BuildFinishedSplitIndex(finished)
	require.NoError(t, err)

	d, err := ShouldEmit(idx, &iface.RawBinlogEvent{
		IsDataChange: true, Table: productsTable, Offset: pos(50),
		Key: split.ChunkKey{split.StringDatum("42")},
	})
	require.NoError(t, err)
	assert.False(t, d.Emit)
	assert.Equal(t, "UnmappedKey", d.Reason)
}

func TestShouldEmitIsIdempotent(t *testing.T) {
	finished := []split.FinishedSnapshotSplitInfo{finishedSplit("p0", "0", "10", 150)}
	idx, err := BuildFinishedSplitIndex(finished)
	require.NoError(t, err)

	ev := &iface.RawBinlogEvent{IsDataChange: true, Table: productsTable, Offset: pos(50), Key: split.ChunkKey{split.StringDatum("5")}}
	d1, err := ShouldEmit(idx, ev)
	require.NoError(t, err)
	d2, err := ShouldEmit(idx, ev)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

// fakeSource drips a fixed slice of events, then blocks until ctx is done.
type fakeSource struct {
	events []*iface.RawBinlogEvent
}

type fakeStream struct {
	events []*iface.RawBinlogEvent
	i      int
}

func (f *fakeSource) StreamBinlog(context.Context, offset.Offset) (iface.BinlogEventStream, error) {
	return &fakeStream{events: f.events}, nil
}

func (s *fakeStream) Next(ctx context.Context) (*iface.RawBinlogEvent, error) {
	if s.i >= len(s.events) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

type collectingSink struct {
	mu     sync.Mutex
	events []iface.Event
}

func (c *collectingSink) Emit(_ context.Context, ev iface.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectingSink) snapshot() []iface.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]iface.Event(nil), c.events...)
}

func TestReaderStartEmitsOnlyUnfilteredEvents(t *testing.T) {
	finished := []split.FinishedSnapshotSplitInfo{finishedSplit("p0", "", "", 100)}
	source := &fakeSource{events: []*iface.RawBinlogEvent{
		{IsDataChange: true, Table: productsTable, Offset: pos(50), Key: split.ChunkKey{split.StringDatum("1")}}, // dropped: <= 100
		{IsDataChange: true, Table: productsTable, Offset: pos(150), Key: split.ChunkKey{split.StringDatum("1")}}, // emitted: > 100
	}}
	sink := &collectingSink{}
	r := New(source, sink, nil, nil)

	bs := split.BinlogSplit{StartOffset: offset.Earliest(), StopOffset: offset.NoStopping(), FinishedSplits: finished}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := r.Start(ctx, bs)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	h.Stop()
	assert.NoError(t, h.Err())
}

func TestReaderStopsAtStopOffset(t *testing.T) {
	source := &fakeSource{events: []*iface.RawBinlogEvent{
		{IsDataChange: true, Table: productsTable, Offset: pos(10), Key: split.ChunkKey{split.StringDatum("1")}},
		{IsDataChange: true, Table: productsTable, Offset: pos(20), Key: split.ChunkKey{split.StringDatum("1")}},
	}}
	sink := &collectingSink{}
	r := New(source, sink, nil, nil)

	bs := split.BinlogSplit{StartOffset: offset.Earliest(), StopOffset: pos(15)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := r.Start(ctx, bs)
	require.NoError(t, err)
	// Wait for the read loop to exit on its own at the stop offset.
	<-h.done
	h.Stop()

	assert.Len(t, sink.snapshot(), 1, "must stop before the event at/after stop_offset")
}
