// Package config defines the typed, validated configuration surface a
// running source is built from (spec.md 6, "Source configuration").
//
// Grounded on the teacher's Runner/Migration validation in
// pkg/migration/runner.go (NewRunner): defaults applied for zero-value
// fields, required fields rejected with a plain error, host normalized to
// carry a port. This package only defines the struct and its validation;
// pkg/cli parses flags into it.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StartupMode selects the initial offset and whether a snapshot runs at
// all (spec.md 6).
type StartupMode string

const (
	StartupInitial        StartupMode = "initial"
	StartupLatestOffset   StartupMode = "latest_offset"
	StartupEarliestOffset StartupMode = "earliest_offset"
	StartupSpecificOffset StartupMode = "specific_offset"
	StartupTimestamp      StartupMode = "timestamp"
)

func (m StartupMode) valid() bool {
	switch m {
	case StartupInitial, StartupLatestOffset, StartupEarliestOffset, StartupSpecificOffset, StartupTimestamp:
		return true
	default:
		return false
	}
}

// ServerIDRange is the inclusive range of MySQL replication client ids
// handed out one per worker (spec.md 6: "server_id_range").
type ServerIDRange struct {
	Min uint32
	Max uint32
}

// ForWorker returns the server id a given worker index should register
// with MySQL as, cycling through the range if parallelism exceeds its
// width.
func (r ServerIDRange) ForWorker(workerIndex int) uint32 {
	width := r.Max - r.Min + 1
	return r.Min + uint32(workerIndex)%width
}

const (
	defaultChunkSize   = 2000
	defaultParallelism = 4
	defaultPort        = 3306
)

// Config is the fully-validated configuration a source binary is
// constructed from.
type Config struct {
	Host     string
	User     string
	Password string
	Database string

	StartupMode        StartupMode
	SpecificOffsetFile string
	SpecificOffsetPos  uint32
	StartupTimestamp   time.Time

	ChunkSize           int
	Parallelism         int
	ServerIDs           ServerIDRange
	DatabaseFilter      string
	TableFilter         string
	IncrementalSnapshot bool

	CheckpointPath string
	MetricsAddr    string

	databaseFilterRe *regexp.Regexp
	tableFilterRe    *regexp.Regexp
}

// New validates a copy of cfg, applying the same zero-value defaulting the
// teacher's NewRunner applies to Migration, and returns that copy or the
// first validation failure as a plain error.
func New(cfg Config) (*Config, error) {
	c := cfg

	if c.Host == "" {
		return nil, fmt.Errorf("cdc: host is required")
	}
	if !strings.Contains(c.Host, ":") {
		c.Host = fmt.Sprintf("%s:%d", c.Host, defaultPort)
	}
	if c.Database == "" {
		return nil, fmt.Errorf("cdc: database is required")
	}
	if c.User == "" {
		return nil, fmt.Errorf("cdc: user is required")
	}

	if c.StartupMode == "" {
		c.StartupMode = StartupInitial
	}
	if !c.StartupMode.valid() {
		return nil, fmt.Errorf("cdc: unknown startup_mode %q", c.StartupMode)
	}
	if c.StartupMode == StartupSpecificOffset && c.SpecificOffsetFile == "" {
		return nil, fmt.Errorf("cdc: startup_mode=specific_offset requires a binlog file name")
	}
	if c.StartupMode == StartupTimestamp && c.StartupTimestamp.IsZero() {
		return nil, fmt.Errorf("cdc: startup_mode=timestamp requires a timestamp")
	}

	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkSize < 0 {
		return nil, fmt.Errorf("cdc: chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.Parallelism == 0 {
		c.Parallelism = defaultParallelism
	}
	if c.Parallelism < 0 {
		return nil, fmt.Errorf("cdc: parallelism must be positive, got %d", c.Parallelism)
	}

	if c.ServerIDs.Min == 0 && c.ServerIDs.Max == 0 {
		c.ServerIDs = ServerIDRange{Min: 6000, Max: 6000 + uint32(c.Parallelism) - 1}
	} else if c.ServerIDs.Max == 0 {
		// Min was set explicitly but Max was left at its zero value:
		// default Max off of Min rather than silently discarding Min.
		c.ServerIDs.Max = c.ServerIDs.Min + uint32(c.Parallelism) - 1
	}
	if c.ServerIDs.Max < c.ServerIDs.Min {
		return nil, fmt.Errorf("cdc: server_id_range max %d is below min %d", c.ServerIDs.Max, c.ServerIDs.Min)
	}

	if c.DatabaseFilter != "" {
		re, err := regexp.Compile(c.DatabaseFilter)
		if err != nil {
			return nil, fmt.Errorf("cdc: compiling database_filter: %w", err)
		}
		c.databaseFilterRe = re
	}
	if c.TableFilter != "" {
		re, err := regexp.Compile(c.TableFilter)
		if err != nil {
			return nil, fmt.Errorf("cdc: compiling table_filter: %w", err)
		}
		c.tableFilterRe = re
	}

	if c.CheckpointPath == "" {
		c.CheckpointPath = "cdc-checkpoint.json"
	}

	return &c, nil
}

// MatchesDatabase reports whether database_filter includes name (an empty
// filter includes everything — spec.md 6's filters are inclusion regexes).
func (c *Config) MatchesDatabase(name string) bool {
	if c.databaseFilterRe == nil {
		return true
	}
	return c.databaseFilterRe.MatchString(name)
}

// MatchesTable reports whether table_filter includes name.
func (c *Config) MatchesTable(name string) bool {
	if c.tableFilterRe == nil {
		return true
	}
	return c.tableFilterRe.MatchString(name)
}
