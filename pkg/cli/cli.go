// Package cli registers the command-line surface of spec.md 6's "Source
// configuration" section onto a pflag.FlagSet and parses it into a
// config.Config.
//
// Grounded on the pack's workload/bulkingest flag registration
// (pflag.FlagSet + *Var calls against struct fields) — the same flat,
// numeric/bool/string CLI shape this source's options need.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/cdcsource/mysql-incremental-source/pkg/config"
)

// Options holds the raw flag destinations before validation. Parse
// turns these into a config.Config via config.New.
type Options struct {
	flags *pflag.FlagSet

	host     string
	user     string
	password string
	database string

	startupMode        string
	specificOffsetFile string
	specificOffsetPos  uint32
	startupTimestamp   string

	chunkSize      int
	parallelism    int
	serverIDMin    uint32
	serverIDMax    uint32
	databaseFilter string
	tableFilter    string
	binlogOnly     bool

	checkpointPath string
	metricsAddr    string
}

// NewOptions registers every flag from spec.md 6 onto a fresh FlagSet
// named for the binary.
func NewOptions(name string) *Options {
	o := &Options{flags: pflag.NewFlagSet(name, pflag.ContinueOnError)}

	o.flags.StringVar(&o.host, "host", "", "MySQL host[:port] to connect to")
	o.flags.StringVar(&o.user, "user", "", "MySQL user")
	o.flags.StringVar(&o.password, "password", "", "MySQL password")
	o.flags.StringVar(&o.database, "database", "", "database (schema) to capture")

	o.flags.StringVar(&o.startupMode, "startup-mode", string(config.StartupInitial),
		"initial|latest_offset|earliest_offset|specific_offset|timestamp")
	o.flags.StringVar(&o.specificOffsetFile, "specific-offset-file", "", "binlog file name for startup-mode=specific_offset")
	o.flags.Uint32Var(&o.specificOffsetPos, "specific-offset-pos", 0, "binlog position for startup-mode=specific_offset")
	o.flags.StringVar(&o.startupTimestamp, "startup-timestamp", "", "RFC3339 timestamp for startup-mode=timestamp")

	o.flags.IntVar(&o.chunkSize, "chunk-size", 0, "target rows per snapshot split (0 = default)")
	o.flags.IntVar(&o.parallelism, "parallelism", 0, "worker count (0 = default)")
	o.flags.Uint32Var(&o.serverIDMin, "server-id-min", 0, "low end of the replication server id range")
	o.flags.Uint32Var(&o.serverIDMax, "server-id-max", 0, "high end of the replication server id range")
	o.flags.StringVar(&o.databaseFilter, "database-filter", "", "regex of databases to include")
	o.flags.StringVar(&o.tableFilter, "table-filter", "", "regex of tables to include")
	o.flags.BoolVar(&o.binlogOnly, "binlog-only", false, "skip the snapshot phase (incremental_snapshot=false)")

	o.flags.StringVar(&o.checkpointPath, "checkpoint-path", "", "path to the checkpoint file")
	o.flags.StringVar(&o.metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty disables it")

	return o
}

// FlagSet exposes the underlying set, mainly so main can call Parse and
// PrintDefaults.
func (o *Options) FlagSet() *pflag.FlagSet { return o.flags }

// Parse parses args (excluding the program name) and validates the
// result into a config.Config.
func (o *Options) Parse(args []string) (*config.Config, error) {
	if err := o.flags.Parse(args); err != nil {
		return nil, err
	}

	var ts time.Time
	if o.startupTimestamp != "" {
		t, err := time.Parse(time.RFC3339, o.startupTimestamp)
		if err != nil {
			return nil, fmt.Errorf("cdc: parsing --startup-timestamp: %w", err)
		}
		ts = t
	}

	return config.New(config.Config{
		Host:     o.host,
		User:     o.user,
		Password: o.password,
		Database: o.database,

		StartupMode:        config.StartupMode(o.startupMode),
		SpecificOffsetFile: o.specificOffsetFile,
		SpecificOffsetPos:  o.specificOffsetPos,
		StartupTimestamp:   ts,

		ChunkSize:           o.chunkSize,
		Parallelism:         o.parallelism,
		ServerIDs:           config.ServerIDRange{Min: o.serverIDMin, Max: o.serverIDMax},
		DatabaseFilter:      o.databaseFilter,
		TableFilter:         o.tableFilter,
		IncrementalSnapshot: !o.binlogOnly,

		CheckpointPath: o.checkpointPath,
		MetricsAddr:    o.metricsAddr,
	})
}
