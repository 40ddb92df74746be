// Package worker implements the worker pool that drives the assigner
// (component F) by repeatedly pulling splits and executing them with the
// snapshot reader (component D) or the binlog reader (component E).
//
// Grounded on the teacher's row.Copier.Run (pkg/row/copier.go): an
// errgroup.Group with SetLimit bounding concurrency, each goroutine
// looping "pull work, do work, report result" until there is no more work
// or the group's context is cancelled.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/assigner"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/binlogsource"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/iface"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/snapshot"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
	"github.com/cdcsource/mysql-incremental-source/pkg/metrics"
)

// pollInterval bounds how often an idle worker re-checks the assigner
// while a sibling still has a split in flight (spec.md 5: next_split is
// non-blocking, so callers are expected to retry).
const pollInterval = 10 * time.Millisecond

// Pool owns a fixed number of worker goroutines that race to pull splits
// from the assigner until the job reaches BINLOG_ASSIGNED and the binlog
// split is claimed, at which point exactly one worker runs the binlog
// reader for the rest of the job's life.
type Pool struct {
	a            *assigner.Assigner
	snapshotter  *snapshot.Reader
	binlogReader *binlogsource.Reader
	sink         iface.EventSink
	metrics      metrics.Sink
	concurrency  int
	logger       loggers.Advanced
}

func New(a *assigner.Assigner, snapshotter *snapshot.Reader, binlogReader *binlogsource.Reader, sink iface.EventSink, metricsSink metrics.Sink, concurrency int, logger loggers.Advanced) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if metricsSink == nil {
		metricsSink = &metrics.NoopSink{}
	}
	return &Pool{a: a, snapshotter: snapshotter, binlogReader: binlogReader, sink: sink, metrics: metricsSink, concurrency: concurrency, logger: logger}
}

// Run drives the pool to completion: every snapshot-split is executed and
// reported, then the binlog-split runs until ctx is cancelled or it
// reaches its stop offset.
//
// A worker that finds nothing ready while a sibling still has the last
// split in flight polls rather than exiting — next_split is explicitly
// non-blocking (spec.md 5). Once the binlog-split has been claimed
// (phase BINLOG_ASSIGNED), the remaining workers return nil, which ends
// them without cancelling gctx.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var binlogHandle *binlogsource.Handle

	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			for {
				v, err := p.a.NextSplit(gctx, workerID)
				if err != nil {
					return err
				}
				switch assigned := v.(type) {
				case nil:
					if p.a.Phase() == assigner.PhaseTerminal {
						return nil
					}
					if p.a.Phase() == assigner.PhaseBinlogAssigned {
						// The binlog-split is a singleton; whichever
						// worker claimed it is running the reader, and
						// this worker has nothing further to do.
						return nil
					}
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(pollInterval):
					}
				case *splitT:
					if err := p.runSnapshotSplit(gctx, workerID, assigned); err != nil {
						p.a.OnWorkerFailure(workerID)
						return err
					}
				case *binlogSplitT:
					// Started against the caller's own ctx, not gctx: the
					// errgroup's derived context is cancelled the instant
					// Wait returns, which happens as soon as every
					// snapshot worker goroutine has finished — exactly
					// when this handle is just starting up.
					h, err := p.binlogReader.Start(ctx, *assigned)
					if err != nil {
						return err
					}
					binlogHandle = h
					return nil
				}
			}
		})
	}

	err := g.Wait()
	if binlogHandle != nil {
		<-ctx.Done()
		binlogHandle.Stop()
		if bErr := binlogHandle.Err(); bErr != nil && err == nil {
			err = bErr
		}
	}
	return err
}

// type aliases so the switch above reads naturally; NextSplit returns
// `any` because it hands out either a *split.SnapshotSplit or a
// *split.BinlogSplit depending on phase.
type splitT = split.SnapshotSplit
type binlogSplitT = split.BinlogSplit

func (p *Pool) runSnapshotSplit(ctx context.Context, workerID string, sp *splitT) error {
	started := time.Now()
	res, err := p.snapshotter.Execute(ctx, *sp)
	if err != nil {
		return fmt.Errorf("cdc: worker %s: executing split %s: %w", workerID, sp.SplitID, err)
	}
	elapsed := time.Since(started)
	for _, row := range res.Batch.Rows {
		ev := iface.Event{
			Op:     iface.OpInsert,
			Table:  res.Batch.Table,
			Offset: res.Batch.HighWatermark,
			After:  row,
		}
		if err := p.sink.Emit(ctx, ev); err != nil {
			return fmt.Errorf("cdc: worker %s: emitting row for split %s: %w", workerID, sp.SplitID, err)
		}
	}
	p.a.OnSplitFinished(res.Info)
	p.reportSplitMetrics(ctx, elapsed, len(res.Batch.Rows))
	return nil
}

// reportSplitMetrics sends one batch covering a finished split's processing
// time, row count and the running finished-splits counter, matching the
// teacher's row.Copier.sendMetrics shape (a single bounded-timeout Send per
// unit of work, not one call per metric).
func (p *Pool) reportSplitMetrics(ctx context.Context, elapsed time.Duration, rowCount int) {
	sendCtx, cancel := context.WithTimeout(ctx, metrics.SinkTimeout)
	defer cancel()
	err := p.metrics.Send(sendCtx, &metrics.Metrics{Values: []metrics.MetricValue{
		{Name: metrics.SplitProcessingTimeMetricName, Type: metrics.GAUGE, Value: float64(elapsed.Milliseconds())},
		{Name: metrics.SplitRowCountMetricName, Type: metrics.GAUGE, Value: float64(rowCount)},
		{Name: metrics.SplitsFinishedMetricName, Type: metrics.COUNTER, Value: 1},
	}})
	if err != nil && p.logger != nil {
		p.logger.Warnf("reporting split metrics: %v", err)
	}
}
