// Package iface collects the external collaborator interfaces named in
// spec.md 6: SqlConnection, TableSchemaProvider, Checkpointer, EventSink,
// plus the row/event vocabulary shared across components D, E, F and G.
// Everything in this package is a seam — concrete implementations live in
// pkg/mysqlconn, pkg/checkpointstore and pkg/sinks; the engine packages
// (pkg/cdc/...) only ever depend on these interfaces.
package iface

import (
	"context"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
)

// Row is a decoded row image: column name to value.
type Row map[string]any

// ChangeOp is the operation carried by a raw binlog row event, before it is
// folded by the normalizer or re-expressed as the exposed Op enum.
type ChangeOp int

const (
	ChangeInsert ChangeOp = iota
	ChangeUpdate
	ChangeDelete
	// ChangeRead marks a row re-emitted by a consistent read (e.g. a
	// snapshot dump event forwarded through the same pipeline as binlog
	// rows); the normalizer treats it identically to ChangeInsert
	// (spec.md 4.G: "CREATE or READ -> overwrite").
	ChangeRead
)

func (c ChangeOp) String() string {
	switch c {
	case ChangeInsert:
		return "INSERT"
	case ChangeUpdate:
		return "UPDATE"
	case ChangeDelete:
		return "DELETE"
	case ChangeRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

// Op is the exposed event schema's operation tag (spec.md 6).
type Op int

const (
	OpInsert Op = iota
	OpUpdateBefore
	OpUpdateAfter
	OpDelete
	OpSchemaChange
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdateBefore:
		return "UPDATE_BEFORE"
	case OpUpdateAfter:
		return "UPDATE_AFTER"
	case OpDelete:
		return "DELETE"
	case OpSchemaChange:
		return "SCHEMA_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// Event is the final emitted record schema (spec.md 6): { op, table_id,
// offset, before?, after?, source_meta }.
type Event struct {
	Op         Op
	Table      split.TableID
	Offset     offset.Offset
	Before     Row
	After      Row
	SourceMeta map[string]string
}

// EventSink is called by components D (indirectly, through the
// normalizer's output) and E to deliver finished records downstream.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// RowHandler receives one decoded row from a Query call. Returning an
// error aborts the query.
type RowHandler func(row Row) error

// SqlConnection is the query/position surface consumed by components C
// (chunk probing), D (scan + watermark reads) per spec.md 6. It is
// intentionally narrow: the wire protocol, pooling and retries live in the
// concrete adapter (pkg/mysqlconn), not here.
type SqlConnection interface {
	Query(ctx context.Context, query string, handler RowHandler) error
	// CurrentPosition reads the server's current binlog position (e.g.
	// `SHOW MASTER STATUS`), used to capture LOW/HIGH watermarks.
	CurrentPosition(ctx context.Context) (offset.Offset, error)
}

// RawBinlogEvent is one event off the wire, before component E's
// should_emit filtering or the normalizer's fold. Non-data-change events
// (schema change, heartbeat, signal) carry IsDataChange == false and a
// zero Table/Key/Op.
type RawBinlogEvent struct {
	Offset          offset.Offset
	IsDataChange    bool
	Table           split.TableID
	Key             split.ChunkKey
	Op              ChangeOp
	Before          Row
	After           Row
	SchemaChangeSQL string // populated when this is a forwarded DDL/schema event
}

// BinlogEventStream is a blocking iterator of binlog events, returned by a
// BinlogSource. Next blocks until an event is available, ctx is cancelled,
// or the stream errors.
type BinlogEventStream interface {
	Next(ctx context.Context) (*RawBinlogEvent, error)
	Close() error
}

// BinlogSource streams raw binlog events starting at a given offset
// (spec.md 6: `.stream_binlog(from_offset) -> iterator<BinlogEvent>`).
type BinlogSource interface {
	StreamBinlog(ctx context.Context, from offset.Offset) (BinlogEventStream, error)
}

// TableSchemaProvider describes a table's schema, including its primary
// and chunk-key columns (spec.md 6).
type TableSchemaProvider interface {
	Describe(ctx context.Context, table split.TableID) (split.TableSchema, error)
}

// Checkpointer gives a monotonically increasing checkpoint id and persists
// opaque snapshot bytes, later restored verbatim (spec.md 6).
type Checkpointer interface {
	NextCheckpointID(ctx context.Context) (int64, error)
	Snapshot(ctx context.Context, id int64, data []byte) error
	Restore(ctx context.Context) (data []byte, found bool, err error)
}
