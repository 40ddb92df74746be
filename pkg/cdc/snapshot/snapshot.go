// Package snapshot implements the snapshot split reader (spec.md 4.D,
// component D): the bounded LOW_WATERMARK -> SCAN -> HIGH_WATERMARK ->
// REPLAY protocol that turns one SnapshotSplit into a consistent row
// batch, without requiring a REPEATABLE READ transaction spanning the
// whole scan.
//
// The retry/backoff shape is grounded on the teacher's
// dbconn.RetryableTransaction (pkg/dbconn/retry.go): wrap the scan in a
// bounded number of attempts, retrying only on transient I/O errors and
// giving up immediately on anything that looks like a real schema or data
// problem.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/siddontang/loggers"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/cdcerrors"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/iface"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/normalize"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
)

// Phase mirrors spec.md 4.D's state machine: INIT -> LOW_WM_READ ->
// SCANNING -> HIGH_WM_READ -> BINLOG_REPLAY -> DONE | FAILED.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseLowWatermarkRead
	PhaseScanning
	PhaseHighWatermarkRead
	PhaseBinlogReplay
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseLowWatermarkRead:
		return "LOW_WM_READ"
	case PhaseScanning:
		return "SCANNING"
	case PhaseHighWatermarkRead:
		return "HIGH_WM_READ"
	case PhaseBinlogReplay:
		return "BINLOG_REPLAY"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Retry configures the bounded retry loop around one split's execution,
// grounded on the teacher's RetryableTransaction attempt/sleep shape.
// BaseDelay is the wait after the first failed attempt; it doubles after
// each further one.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetry() Retry {
	return Retry{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// Reader executes one split at a time against a SqlConnection and a
// BinlogSource, producing a normalized batch plus the FinishedSplitInfo
// record the assigner stores for dedup.
type Reader struct {
	conn   iface.SqlConnection
	binlog iface.BinlogSource
	retry  Retry
	logger loggers.Advanced
}

func New(conn iface.SqlConnection, binlog iface.BinlogSource, retry Retry, logger loggers.Advanced) *Reader {
	return &Reader{conn: conn, binlog: binlog, retry: retry, logger: logger}
}

// Result is what Execute hands back to the worker pool: the finished
// split's dedup record and its normalized row batch, ready for the sink.
type Result struct {
	Info  split.FinishedSnapshotSplitInfo
	Batch *normalize.Batch
}

// Execute runs the full bounded protocol for sp, retrying transient
// failures up to r.retry.MaxAttempts times (spec.md 4.D edge case:
// "scan fails partway through (e.g. connection drop): retry the whole
// split from LOW_WATERMARK; splits are idempotent to re-execute").
func (r *Reader) Execute(ctx context.Context, sp split.SnapshotSplit) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		res, err := r.executeOnce(ctx, sp)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !cdcerrors.IsTransient(err) {
			return nil, fmt.Errorf("cdc: split %s failed (non-retryable): %w", sp.SplitID, err)
		}
		if r.logger != nil {
			r.logger.Warnf("split %s attempt %d/%d failed, retrying: %v", sp.SplitID, attempt, r.retry.MaxAttempts, err)
		}
		if attempt < r.retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retry.BaseDelay << (attempt - 1)):
			}
		}
	}
	return nil, fmt.Errorf("cdc: split %s exhausted %d attempts: %w", sp.SplitID, r.retry.MaxAttempts, lastErr)
}

func (r *Reader) executeOnce(ctx context.Context, sp split.SnapshotSplit) (*Result, error) {
	phase := PhaseInit

	// LOW_WM_READ
	phase = PhaseLowWatermarkRead
	low, err := r.conn.CurrentPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("cdc: %s: reading low watermark: %w", phase, err)
	}

	// SCANNING: plain non-locking read over [start, end).
	phase = PhaseScanning
	events := []normalize.RawEvent{{Kind: normalize.KindLowWatermark, Offset: low}}
	scanErr := r.conn.Query(ctx, scanQuery(sp), func(row iface.Row) error {
		key := chunkKeyFromRow(sp.ChunkKeyCols, row)
		events = append(events, normalize.RawEvent{
			Kind: normalize.KindRow,
			Key:  key,
			Op:   iface.ChangeRead,
			Row:  row,
		})
		return nil
	})
	if scanErr != nil {
		return nil, fmt.Errorf("cdc: %s: scanning split %s: %w", phase, sp.SplitID, scanErr)
	}

	// HIGH_WM_READ
	phase = PhaseHighWatermarkRead
	high, err := r.conn.CurrentPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("cdc: %s: reading high watermark: %w", phase, err)
	}
	events = append(events, normalize.RawEvent{Kind: normalize.KindHighWatermark, Offset: high})

	// BINLOG_REPLAY: apply any change events in [L, H) restricted to this
	// split's range (spec.md 4.D step 4; skipped entirely when L == H).
	phase = PhaseBinlogReplay
	if eq, cmpErr := rangeEmpty(low, high); cmpErr != nil {
		return nil, fmt.Errorf("cdc: %s: comparing watermarks: %w", phase, cmpErr)
	} else if !eq {
		if err := r.replay(ctx, sp.Table, low, high, &events); err != nil {
			return nil, fmt.Errorf("cdc: %s: replaying split %s: %w", phase, sp.SplitID, err)
		}
	}
	events = append(events, normalize.RawEvent{Kind: normalize.KindBinlogEnd, Offset: high})

	batch, err := normalize.New(sp).Fold(events)
	if err != nil {
		return nil, fmt.Errorf("cdc: folding split %s: %w", sp.SplitID, err)
	}

	return &Result{
		Info: split.FinishedSnapshotSplitInfo{
			SplitID:       sp.SplitID,
			Table:         sp.Table,
			Range:         sp.Range,
			HighWatermark: high,
		},
		Batch: batch,
	}, nil
}

func rangeEmpty(low, high offset.Offset) (bool, error) {
	return offset.Eq(low, high), nil
}

// replay streams binlog events starting at low and folds in any row
// events for table up to (but not including) high, stopping as soon as
// an event at or after high is observed. The stream this reader is handed
// (cmd/mysql-cdc-source wires one unscoped CanalSource shared by every
// table's splits) carries every captured table's events, so events for
// tables other than this split's must be skipped here rather than assumed
// pre-filtered.
func (r *Reader) replay(ctx context.Context, table split.TableID, low, high offset.Offset, events *[]normalize.RawEvent) error {
	stream, err := r.binlog.StreamBinlog(ctx, low)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		ge, cmpErr := offset.Le(high, ev.Offset)
		if cmpErr != nil {
			return cmpErr
		}
		if ge {
			return nil
		}
		if !ev.IsDataChange || ev.Table != table {
			continue
		}
		*events = append(*events, normalize.RawEvent{
			Kind:   normalize.KindRow,
			Offset: ev.Offset,
			Table:  ev.Table,
			Key:    ev.Key,
			Op:     ev.Op,
			Row:    ev.After,
		})
	}
}

func scanQuery(sp split.SnapshotSplit) string {
	cols := quotedColumns(sp.TableSchema.Columns)
	table := fmt.Sprintf("`%s`.`%s`", sp.Table.Schema, sp.Table.Table)
	where := boundaryClause(sp)
	return fmt.Sprintf("SELECT %s FROM %s %s", cols, table, where)
}

func boundaryClause(sp split.SnapshotSplit) string {
	if sp.Range.Start == nil && sp.Range.End == nil {
		return ""
	}
	cols := sp.ChunkKeyCols
	var clauses []string
	if sp.Range.Start != nil {
		clauses = append(clauses, tupleCompare(cols, sp.Range.Start.Key, ">="))
	}
	if sp.Range.End != nil {
		clauses = append(clauses, tupleCompare(cols, sp.Range.End.Key, "<"))
	}
	out := "WHERE "
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}

func tupleCompare(cols []string, key split.ChunkKey, op string) string {
	names := "(" + joinQuoted(cols) + ")"
	values := "("
	for i, d := range key {
		if i > 0 {
			values += ", "
		}
		if d.IsNull {
			values += "NULL"
		} else {
			values += "'" + strings.ReplaceAll(d.Value, "'", "''") + "'"
		}
	}
	values += ")"
	return names + " " + op + " " + values
}

func joinQuoted(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += "`" + c + "`"
	}
	return out
}

func quotedColumns(cols []string) string { return joinQuoted(cols) }

func chunkKeyFromRow(cols []string, row iface.Row) split.ChunkKey {
	key := make(split.ChunkKey, 0, len(cols))
	for _, c := range cols {
		v := row[c]
		if v == nil {
			key = append(key, split.NullDatum())
			continue
		}
		key = append(key, split.StringDatum(fmt.Sprintf("%v", v)))
	}
	return key
}
