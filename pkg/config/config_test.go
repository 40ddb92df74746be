package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Config{Host: "db.internal", Database: "shop", User: "cdc"})
	require.NoError(t, err)
	assert.Equal(t, "db.internal:3306", c.Host)
	assert.Equal(t, StartupInitial, c.StartupMode)
	assert.Equal(t, defaultChunkSize, c.ChunkSize)
	assert.Equal(t, defaultParallelism, c.Parallelism)
	assert.Equal(t, ServerIDRange{Min: 6000, Max: 6003}, c.ServerIDs)
	assert.Equal(t, "cdc-checkpoint.json", c.CheckpointPath)
}

func TestNewRejectsMissingRequiredFields(t *testing.T) {
	_, err := New(Config{Database: "shop", User: "cdc"})
	assert.Error(t, err)

	_, err = New(Config{Host: "db.internal", User: "cdc"})
	assert.Error(t, err)

	_, err = New(Config{Host: "db.internal", Database: "shop"})
	assert.Error(t, err)
}

func TestNewPreservesExplicitPort(t *testing.T) {
	c, err := New(Config{Host: "db.internal:3307", Database: "shop", User: "cdc"})
	require.NoError(t, err)
	assert.Equal(t, "db.internal:3307", c.Host)
}

func TestNewRejectsUnknownStartupMode(t *testing.T) {
	_, err := New(Config{Host: "h", Database: "d", User: "u", StartupMode: "bogus"})
	assert.Error(t, err)
}

func TestNewRequiresSpecificOffsetFileWhenModeIsSpecificOffset(t *testing.T) {
	_, err := New(Config{Host: "h", Database: "d", User: "u", StartupMode: StartupSpecificOffset})
	assert.Error(t, err)

	c, err := New(Config{
		Host: "h", Database: "d", User: "u",
		StartupMode:        StartupSpecificOffset,
		SpecificOffsetFile: "mysql-bin.000003",
	})
	require.NoError(t, err)
	assert.Equal(t, "mysql-bin.000003", c.SpecificOffsetFile)
}

func TestNewRequiresTimestampWhenModeIsTimestamp(t *testing.T) {
	_, err := New(Config{Host: "h", Database: "d", User: "u", StartupMode: StartupTimestamp})
	assert.Error(t, err)

	c, err := New(Config{
		Host: "h", Database: "d", User: "u",
		StartupMode:      StartupTimestamp,
		StartupTimestamp: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	assert.False(t, c.StartupTimestamp.IsZero())
}

func TestNewRejectsNegativeChunkSizeAndParallelism(t *testing.T) {
	_, err := New(Config{Host: "h", Database: "d", User: "u", ChunkSize: -1})
	assert.Error(t, err)

	_, err = New(Config{Host: "h", Database: "d", User: "u", Parallelism: -1})
	assert.Error(t, err)
}

func TestNewRejectsInvertedServerIDRange(t *testing.T) {
	_, err := New(Config{
		Host: "h", Database: "d", User: "u",
		ServerIDs: ServerIDRange{Min: 100, Max: 50},
	})
	assert.Error(t, err)
}

func TestServerIDRangeForWorkerCyclesThroughRange(t *testing.T) {
	r := ServerIDRange{Min: 6000, Max: 6001}
	assert.Equal(t, uint32(6000), r.ForWorker(0))
	assert.Equal(t, uint32(6001), r.ForWorker(1))
	assert.Equal(t, uint32(6000), r.ForWorker(2))
}

func TestDatabaseAndTableFiltersDefaultToIncludeEverything(t *testing.T) {
	c, err := New(Config{Host: "h", Database: "d", User: "u"})
	require.NoError(t, err)
	assert.True(t, c.MatchesDatabase("anything"))
	assert.True(t, c.MatchesTable("anything"))
}

func TestDatabaseAndTableFiltersAreInclusionRegexes(t *testing.T) {
	c, err := New(Config{
		Host: "h", Database: "d", User: "u",
		DatabaseFilter: "^shop$",
		TableFilter:    "^(orders|products)$",
	})
	require.NoError(t, err)
	assert.True(t, c.MatchesDatabase("shop"))
	assert.False(t, c.MatchesDatabase("other"))
	assert.True(t, c.MatchesTable("orders"))
	assert.False(t, c.MatchesTable("customers"))
}

func TestNewRejectsInvalidFilterRegex(t *testing.T) {
	_, err := New(Config{Host: "h", Database: "d", User: "u", TableFilter: "("})
	assert.Error(t, err)
}
