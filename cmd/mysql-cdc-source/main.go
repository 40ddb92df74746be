// Command mysql-cdc-source runs the incremental-snapshot CDC engine
// against a real MySQL server: it wires the config, logging, metrics,
// concrete MySQL adapters, file checkpoint store and a logging event sink
// together (spec.md 6 plus the ambient components this binary adds), then
// drives the worker pool until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/assigner"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/binlogsource"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/snapshot"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/worker"
	"github.com/cdcsource/mysql-incremental-source/pkg/checkpointstore"
	"github.com/cdcsource/mysql-incremental-source/pkg/cli"
	"github.com/cdcsource/mysql-incremental-source/pkg/config"
	"github.com/cdcsource/mysql-incremental-source/pkg/logging"
	"github.com/cdcsource/mysql-incremental-source/pkg/metrics"
	"github.com/cdcsource/mysql-incremental-source/pkg/mysqlconn"
	"github.com/cdcsource/mysql-incremental-source/pkg/preflight"
	"github.com/cdcsource/mysql-incremental-source/pkg/sinks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	opts := cli.NewOptions("mysql-cdc-source")
	cfg, err := opts.Parse(os.Args[1:])
	if err != nil {
		opts.FlagSet().Usage()
		return err
	}

	logger, err := logging.New(logging.Options{})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := mysqlconn.Open(cfg.Host, cfg.User, cfg.Password, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := preflight.CheckPrivileges(ctx, pool, logger); err != nil {
		return err
	}

	schemas := mysqlconn.NewSchemaProvider(pool.DB())
	cp := checkpointstore.NewFileStore(cfg.CheckpointPath)

	metricsSink := metrics.Sink(&metrics.NoopSink{})
	if cfg.MetricsAddr != "" {
		promSink := metrics.NewPrometheusSink(nil)
		metricsSink = promSink
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promSink.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server on %s exited: %v", cfg.MetricsAddr, err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		logger.Infof("serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	tables, err := discoverTables(ctx, schemas, cfg)
	if err != nil {
		return err
	}
	logger.Infof("discovered %d table(s) to capture", len(tables))

	startOffset, err := startupOffset(ctx, pool, cfg)
	if err != nil {
		return err
	}
	if cfg.StartupMode == config.StartupTimestamp {
		logger.Warnf("startup_mode=timestamp: %v is not resolved to a binlog offset; starting from the current position %s", cfg.StartupTimestamp, startOffset)
	}

	a := assigner.New(assigner.Config{
		IncrementalSnapshot: cfg.IncrementalSnapshot,
		StartOffset:         startOffset,
		StopOffset:          offset.NoStopping(),
		ChunkSize:           uint64(cfg.ChunkSize),
	}, pool, schemas, cp, logger)

	if resumed, err := a.ResumeFromCheckpoint(ctx); err != nil {
		return fmt.Errorf("cdc: resuming from checkpoint: %w", err)
	} else if resumed {
		logger.Infof("resumed from checkpoint at %s", cfg.CheckpointPath)
	} else if err := a.Open(ctx, tables); err != nil {
		return fmt.Errorf("cdc: opening assigner: %w", err)
	}

	binSource := mysqlconn.NewCanalSource(cfg.Host, cfg.User, cfg.Password, nil, schemas, cfg.ServerIDs, logger)
	sink := sinks.NewLogSink(logger)

	snapReader := snapshot.New(pool, binSource, snapshot.DefaultRetry(), logger)
	binReader := binlogsource.New(binSource, sink, metricsSink, logger)
	p := worker.New(a, snapReader, binReader, sink, metricsSink, cfg.Parallelism, logger)

	logger.Infof("starting mysql-cdc-source against %s/%s", cfg.Host, cfg.Database)
	return p.Run(ctx)
}

func discoverTables(ctx context.Context, schemas *mysqlconn.SchemaProvider, cfg *config.Config) ([]split.TableID, error) {
	all, err := schemas.ListTables(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	var out []split.TableID
	for _, t := range all {
		if cfg.MatchesDatabase(t.Schema) && cfg.MatchesTable(t.Table) {
			out = append(out, t)
		}
	}
	return out, nil
}

// startupOffset resolves spec.md 6's startup_mode into the offset the
// assigner's binlog phase should begin from when no checkpoint exists yet.
func startupOffset(ctx context.Context, pool *mysqlconn.Pool, cfg *config.Config) (offset.Offset, error) {
	switch cfg.StartupMode {
	case config.StartupEarliestOffset:
		return offset.Earliest(), nil
	case config.StartupSpecificOffset:
		return offset.Offset{File: cfg.SpecificOffsetFile, Pos: cfg.SpecificOffsetPos}, nil
	case config.StartupLatestOffset, config.StartupInitial:
		return pool.CurrentPosition(ctx)
	case config.StartupTimestamp:
		// Resolving a timestamp to a binlog offset requires scanning binlog
		// file headers on the server, which this function does not do: it
		// returns the current position, and run logs a warning for this
		// mode rather than silently capturing from the wrong point.
		return pool.CurrentPosition(ctx)
	default:
		return pool.CurrentPosition(ctx)
	}
}
