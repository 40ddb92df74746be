package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcsource/mysql-incremental-source/pkg/config"
)

func TestParseMinimalArgsProducesDefaultedConfig(t *testing.T) {
	o := NewOptions("mysql-cdc-source")
	cfg, err := o.Parse([]string{"--host=db.internal", "--user=cdc", "--database=shop"})
	require.NoError(t, err)
	assert.Equal(t, "db.internal:3306", cfg.Host)
	assert.Equal(t, config.StartupInitial, cfg.StartupMode)
	assert.True(t, cfg.IncrementalSnapshot)
}

func TestParseBinlogOnlyFlagDisablesSnapshot(t *testing.T) {
	o := NewOptions("mysql-cdc-source")
	cfg, err := o.Parse([]string{"--host=db.internal", "--user=cdc", "--database=shop", "--binlog-only"})
	require.NoError(t, err)
	assert.False(t, cfg.IncrementalSnapshot)
}

func TestParseRejectsMissingRequiredFlags(t *testing.T) {
	o := NewOptions("mysql-cdc-source")
	_, err := o.Parse([]string{"--user=cdc"})
	assert.Error(t, err)
}

func TestParseStartupTimestampMode(t *testing.T) {
	o := NewOptions("mysql-cdc-source")
	cfg, err := o.Parse([]string{
		"--host=db.internal", "--user=cdc", "--database=shop",
		"--startup-mode=timestamp", "--startup-timestamp=2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, config.StartupTimestamp, cfg.StartupMode)
	assert.Equal(t, 2026, cfg.StartupTimestamp.Year())
}

func TestParseInvalidStartupTimestampIsRejected(t *testing.T) {
	o := NewOptions("mysql-cdc-source")
	_, err := o.Parse([]string{
		"--host=db.internal", "--user=cdc", "--database=shop",
		"--startup-mode=timestamp", "--startup-timestamp=not-a-time",
	})
	assert.Error(t, err)
}

func TestParseFiltersAndChunkSize(t *testing.T) {
	o := NewOptions("mysql-cdc-source")
	cfg, err := o.Parse([]string{
		"--host=db.internal", "--user=cdc", "--database=shop",
		"--chunk-size=500", "--parallelism=8",
		"--database-filter=^shop$", "--table-filter=^orders$",
	})
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 8, cfg.Parallelism)
	assert.True(t, cfg.MatchesTable("orders"))
	assert.False(t, cfg.MatchesTable("customers"))
}
