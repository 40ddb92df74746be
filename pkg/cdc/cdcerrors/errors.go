// Package cdcerrors defines the fatal/retryable error kinds raised across
// the snapshot/binlog merging engine. These are plain sentinel errors in
// the style of the teacher's own packages (stdlib errors, no framework):
// classify with errors.Is, wrap with fmt.Errorf("%w", ...).
package cdcerrors

import "errors"

var (
	// ErrTransientIO covers connection resets/timeouts that a worker should
	// retry locally with backoff before giving up.
	ErrTransientIO = errors.New("cdc: transient io error")

	// ErrBinlogPositionLost means a requested offset has been purged by the
	// server. Fatal; must be surfaced to the caller.
	ErrBinlogPositionLost = errors.New("cdc: binlog position lost")

	// ErrSchemaMismatch means a captured table lacks a required column.
	// Fatal, raised before any event is emitted.
	ErrSchemaMismatch = errors.New("cdc: schema mismatch")

	// ErrIncomparableOffsets means two offsets could not be ordered because
	// they originate from different servers with no GTID overlap.
	ErrIncomparableOffsets = errors.New("cdc: incomparable offsets")

	// ErrChunkKeyUnavailable means a table has no usable chunk key. Fatal,
	// raised at discovery time.
	ErrChunkKeyUnavailable = errors.New("cdc: chunk key unavailable")

	// ErrSplitExecutionFailed means a snapshot split's state machine
	// terminated in FAILED after exhausting retries.
	ErrSplitExecutionFailed = errors.New("cdc: split execution failed")
)

// IsTransient reports whether err (or anything it wraps) should be
// retried locally rather than surfaced as a fatal failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
