// Package normalize implements the record normalizer (spec.md 4.G,
// component G): it folds a snapshot split's raw event stream (LOW, scan
// inserts, HIGH, bounded replay, BINLOG_END) into a flat, deduplicated set
// of rows representing the table's state at the split's high watermark.
//
// The fold itself is grounded on the teacher's bufferedMap changeset
// (pkg/repl/subscription_buffered.go): a map keyed by chunk key holding
// the current row image (a delete removes the entry), mutated in place as events
// arrive, and flushed once in full — here flushed once at BINLOG_END
// rather than continuously, since a split is folded exactly once.
package normalize

import (
	"fmt"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/iface"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
)

// RawEventKind tags the raw stream's markers and row events (spec.md 4.D:
// "[LOW(L)] [insert events...] [HIGH(H)] [replay events...] [BINLOG_END(H)]").
type RawEventKind int

const (
	KindLowWatermark RawEventKind = iota
	KindRow
	KindHighWatermark
	KindBinlogEnd
)

// RawEvent is one item in component D's raw output stream, consumed here
// and nowhere else — it never reaches the EventSink directly.
type RawEvent struct {
	Kind   RawEventKind
	Offset offset.Offset // valid for KindLowWatermark/KindHighWatermark/KindBinlogEnd and KindRow
	Table  split.TableID // valid for KindRow; zero value for scan rows (already table-scoped by the query)
	Key    split.ChunkKey
	Op     iface.ChangeOp // valid for KindRow
	Row    iface.Row      // valid for KindRow; the after-image for updates
}

// Batch is the normalized output: the table's row-state at the split's
// high watermark, restricted to the split's range (spec.md 4.G).
type Batch struct {
	SplitID       string
	Table         split.TableID
	HighWatermark offset.Offset
	Rows          []iface.Row
}

// Normalizer folds one split's raw stream into a Batch.
type Normalizer struct {
	sp split.SnapshotSplit
}

func New(sp split.SnapshotSplit) *Normalizer {
	return &Normalizer{sp: sp}
}

// state machine driving the fold, mirroring spec.md 4.D's
// INIT -> LOW_WM_READ -> SCANNING -> HIGH_WM_READ -> BINLOG_REPLAY -> DONE.
type foldState int

const (
	foldInit foldState = iota
	foldScanning
	foldReplaying
	foldDone
)

// Fold consumes events one at a time (as produced by component D) and
// returns the resulting Batch once BINLOG_END is observed. events must be
// delivered in the exact order D emits them.
func (n *Normalizer) Fold(events []RawEvent) (*Batch, error) {
	rows := make(map[string]iface.Row) // chunk key's %v string -> row image; absent key == not present
	var low, high offset.Offset
	state := foldInit

	hash := func(key split.ChunkKey) string { return fmt.Sprintf("%v", key) }

	for _, ev := range events {
		switch ev.Kind {
		case KindLowWatermark:
			if state != foldInit {
				return nil, fmt.Errorf("cdc: normalize: unexpected LOW_WATERMARK in state %d", state)
			}
			low = ev.Offset
			state = foldScanning

		case KindRow:
			switch state {
			case foldScanning:
				// Snapshot INSERTs populate the map as initial state.
				rows[hash(ev.Key)] = ev.Row
			case foldReplaying:
				if err := applyReplayEvent(rows, hash, n.sp.Table, n.sp.Range, low, high, ev); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("cdc: normalize: unexpected row event in state %d", state)
			}

		case KindHighWatermark:
			if state != foldScanning {
				return nil, fmt.Errorf("cdc: normalize: unexpected HIGH_WATERMARK in state %d", state)
			}
			high = ev.Offset
			state = foldReplaying

		case KindBinlogEnd:
			if state != foldReplaying {
				return nil, fmt.Errorf("cdc: normalize: unexpected BINLOG_END in state %d", state)
			}
			state = foldDone
			return n.buildBatch(rows, high), nil
		}
	}

	// low == high: REPLAY is skipped entirely (spec.md 4.D step 4); the
	// normalized batch equals the raw scan with no replay events at all,
	// and no BINLOG_END marker was ever emitted. Treat "scanning finished,
	// high watermark observed, nothing more arrived" as complete.
	if state == foldReplaying {
		return n.buildBatch(rows, high), nil
	}
	return nil, fmt.Errorf("cdc: normalize: stream ended in state %d without completing", state)
}

// applyReplayEvent implements spec.md 4.G's per-event replay rules.
func applyReplayEvent(rows map[string]iface.Row, hash func(split.ChunkKey) string, table split.TableID, r split.Range, low, high offset.Offset, ev RawEvent) error {
	// "Ignore any event with offset < L (should not occur)."
	if lt, err := offset.Lt(ev.Offset, low); err != nil {
		return err
	} else if lt {
		return nil
	}
	// Replay is bounded to [L, H): an event at or after H does not belong
	// to this split's replay slice.
	if le, err := offset.Le(high, ev.Offset); err != nil {
		return err
	} else if le {
		return nil
	}
	// A split's replay stream is scoped to one table upstream, but the
	// underlying binlog reader is shared across every captured table —
	// drop anything that slipped through for a different table.
	if ev.Table != table {
		return nil
	}
	// "Drop events whose key falls outside [start, end)."
	if !r.Contains(ev.Key) {
		return nil
	}
	key := hash(ev.Key)
	switch ev.Op {
	case iface.ChangeInsert, iface.ChangeRead:
		rows[key] = ev.Row
	case iface.ChangeUpdate:
		// Overwrite with the after-image; the before-image is ignored —
		// the snapshot map already holds whatever was there.
		rows[key] = ev.Row
	case iface.ChangeDelete:
		delete(rows, key)
	default:
		return fmt.Errorf("cdc: normalize: unknown replay op %v", ev.Op)
	}
	return nil
}

func (n *Normalizer) buildBatch(rows map[string]iface.Row, high offset.Offset) *Batch {
	b := &Batch{
		SplitID:       n.sp.SplitID,
		Table:         n.sp.Table,
		HighWatermark: high,
	}
	for _, row := range rows {
		b.Rows = append(b.Rows, row)
	}
	return b
}
