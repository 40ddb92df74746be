// Package split holds the immutable value types of the split model
// (spec.md 3 & 4.B): chunk keys, key ranges, snapshot splits, finished
// split records, and the single binlog split. All types here are plain
// data — no behavior beyond comparison and serialization — so the
// snapshot/binlog engine packages can share one vocabulary.
package split

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
)

// Datum is a single chunk-key column value. Comparison treats NULL (IsNull)
// as sorting lowest, matching MySQL's default collation behavior for chunk
// key comparisons (spec.md 4.C edge cases).
type Datum struct {
	IsNull bool
	// Value holds the column's textual representation. Numeric columns are
	// compared numerically when both sides parse as numbers; everything
	// else falls back to a byte-wise string comparison, mirroring MySQL's
	// collation-driven ordering closely enough for chunk-range purposes.
	Value string
}

func NullDatum() Datum { return Datum{IsNull: true} }

func StringDatum(v string) Datum { return Datum{Value: v} }

// ChunkKey is an ordered tuple of chunk-key column values, totally ordered
// lexicographically (spec.md 3): compare the first column, then the next
// on ties, etc.
type ChunkKey []Datum

// Compare returns -1, 0, 1 comparing a and b lexicographically. Composite
// keys of different lengths are invalid input from the same table and are
// treated as equal on the exhausted prefix, then shorter-sorts-first.
func (a ChunkKey) Compare(b ChunkKey) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareDatum(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareDatum(a, b Datum) int {
	if a.IsNull && b.IsNull {
		return 0
	}
	if a.IsNull {
		return -1
	}
	if b.IsNull {
		return 1
	}
	if af, aok := parseNumber(a.Value); aok {
		if bf, bok := parseNumber(b.Value); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(a.Value, b.Value)
}

func parseNumber(s string) (float64, bool) {
	var f float64
	var extra string
	n, err := fmt.Sscanf(s, "%g%s", &f, &extra)
	if err != nil && n == 0 {
		return 0, false
	}
	if extra != "" {
		return 0, false
	}
	return f, true
}

// Boundary is one endpoint of a half-open chunk range. A nil Boundary
// means the endpoint is absent (-∞ for a start, +∞ for an end).
type Boundary struct {
	Key ChunkKey
}

// Range is a half-open key range [Start, End). Either endpoint may be nil
// meaning unbounded (spec.md 3).
type Range struct {
	Start *Boundary
	End   *Boundary
}

// Contains reports whether key falls within [Start, End).
func (r Range) Contains(key ChunkKey) bool {
	if r.Start != nil && key.Compare(r.Start.Key) < 0 {
		return false
	}
	if r.End != nil && key.Compare(r.End.Key) >= 0 {
		return false
	}
	return true
}

// Overlaps reports whether r and other share any key.
func (r Range) Overlaps(other Range) bool {
	// r ends before other starts, or other ends before r starts.
	if r.End != nil && other.Start != nil && r.End.Key.Compare(other.Start.Key) <= 0 {
		return false
	}
	if other.End != nil && r.Start != nil && other.End.Key.Compare(r.Start.Key) <= 0 {
		return false
	}
	return true
}

func (r Range) String() string {
	start := "-inf"
	if r.Start != nil {
		start = fmt.Sprintf("%v", r.Start.Key)
	}
	end := "+inf"
	if r.End != nil {
		end = fmt.Sprintf("%v", r.End.Key)
	}
	return fmt.Sprintf("[%s, %s)", start, end)
}

// TableID identifies a captured table by fully-qualified name.
type TableID struct {
	Schema string
	Table  string
}

func (t TableID) String() string { return t.Schema + "." + t.Table }

// ColumnType is the minimal type tag the chunker and normalizer need to
// reason about a chunk-key column.
type ColumnType int

const (
	ColumnTypeUnknown ColumnType = iota
	ColumnTypeInt
	ColumnTypeUnsignedInt
	ColumnTypeFloat
	ColumnTypeString
	ColumnTypeBinary
)

// TableSchema is the subset of a table's schema the engine needs:
// primary/chunk key columns and their types, plus all column names for
// row decoding.
type TableSchema struct {
	ID            TableID
	Columns       []string
	ChunkKeyCols  []string
	ChunkKeyTypes []ColumnType
	PrimaryKey    []string
	UniqueOnChunkKey bool
}

// SnapshotSplit is a single key-range partition of a table (spec.md 3).
// Immutable once created.
type SnapshotSplit struct {
	SplitID      string
	Table        TableID
	ChunkKeyCols []string
	Range        Range
	TableSchema  TableSchema
}

// FinishedSnapshotSplitInfo is recorded once a snapshot split completes
// (spec.md 3). It is the unit of deduplication metadata consulted by the
// binlog reader (component E).
type FinishedSnapshotSplitInfo struct {
	SplitID       string
	Table         TableID
	Range         Range
	HighWatermark offset.Offset
}

// BinlogSplit is the single global split streamed after all snapshot
// splits finish (spec.md 3). An empty FinishedSplits slice means "stream
// from StartOffset with no filtering" (pure binlog mode, spec.md 4.B).
type BinlogSplit struct {
	SplitID         string
	ChunkKeyType    ColumnType
	StartOffset     offset.Offset
	StopOffset      offset.Offset // IsNoStopping() if unbounded
	FinishedSplits  []FinishedSnapshotSplitInfo
	TableSchemas    map[string]TableSchema // keyed by TableID.String()
}

// --- JSON wire types: stable serialization across restarts (spec.md 4.B) ---

type wireDatum struct {
	Null  bool   `json:"null,omitempty"`
	Value string `json:"value,omitempty"`
}

func (d Datum) toWire() wireDatum { return wireDatum{Null: d.IsNull, Value: d.Value} }
func (w wireDatum) toDatum() Datum { return Datum{IsNull: w.Null, Value: w.Value} }

type wireBoundary struct {
	Key []wireDatum `json:"key"`
}

func toWireBoundary(b *Boundary) *wireBoundary {
	if b == nil {
		return nil
	}
	w := &wireBoundary{}
	for _, d := range b.Key {
		w.Key = append(w.Key, d.toWire())
	}
	return w
}

func fromWireBoundary(w *wireBoundary) *Boundary {
	if w == nil {
		return nil
	}
	b := &Boundary{}
	for _, d := range w.Key {
		b.Key = append(b.Key, d.toDatum())
	}
	return b
}

type wireRange struct {
	Start *wireBoundary `json:"start,omitempty"`
	End   *wireBoundary `json:"end,omitempty"`
}

func toWireRange(r Range) wireRange {
	return wireRange{Start: toWireBoundary(r.Start), End: toWireBoundary(r.End)}
}

func fromWireRange(w wireRange) Range {
	return Range{Start: fromWireBoundary(w.Start), End: fromWireBoundary(w.End)}
}

type wireFinishedSplit struct {
	SplitID       string        `json:"split_id"`
	Schema        string        `json:"schema"`
	Table         string        `json:"table"`
	Range         wireRange     `json:"range"`
	HighWatermark offset.Offset `json:"high_watermark"`
}

// MarshalJSON gives FinishedSnapshotSplitInfo a stable wire form so it
// round-trips losslessly through the assigner's checkpoint and through a
// BinlogSplit payload (spec.md 4.B).
func (f FinishedSnapshotSplitInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFinishedSplit{
		SplitID:       f.SplitID,
		Schema:        f.Table.Schema,
		Table:         f.Table.Table,
		Range:         toWireRange(f.Range),
		HighWatermark: f.HighWatermark,
	})
}

func (f *FinishedSnapshotSplitInfo) UnmarshalJSON(data []byte) error {
	var w wireFinishedSplit
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.SplitID = w.SplitID
	f.Table = TableID{Schema: w.Schema, Table: w.Table}
	f.Range = fromWireRange(w.Range)
	f.HighWatermark = w.HighWatermark
	return nil
}
