package split

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
)

func key(v string) ChunkKey { return ChunkKey{StringDatum(v)} }

func TestChunkKeyCompareNumeric(t *testing.T) {
	assert.Equal(t, -1, key("5").Compare(key("9")))
	assert.Equal(t, 1, key("10").Compare(key("9")), "numeric compare, not lexicographic string compare")
	assert.Equal(t, 0, key("5").Compare(key("5")))
}

func TestChunkKeyNullSortsLowest(t *testing.T) {
	null := ChunkKey{NullDatum()}
	assert.Equal(t, -1, null.Compare(key("0")))
	assert.Equal(t, 1, key("0").Compare(null))
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: &Boundary{Key: key("5")}, End: &Boundary{Key: key("9")}}
	assert.False(t, r.Contains(key("4")))
	assert.True(t, r.Contains(key("5")), "half-open: start is inclusive")
	assert.True(t, r.Contains(key("8")))
	assert.False(t, r.Contains(key("9")), "half-open: end is exclusive")
}

func TestRangeUnboundedEnds(t *testing.T) {
	r := Range{}
	assert.True(t, r.Contains(key("-999999")))
	assert.True(t, r.Contains(key("999999")))
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Start: &Boundary{Key: key("0")}, End: &Boundary{Key: key("5")}}
	b := Range{Start: &Boundary{Key: key("5")}, End: &Boundary{Key: key("9")}}
	assert.False(t, a.Overlaps(b), "adjacent half-open ranges do not overlap")

	c := Range{Start: &Boundary{Key: key("4")}, End: &Boundary{Key: key("6")}}
	assert.True(t, a.Overlaps(c))
	assert.True(t, b.Overlaps(c))
}

func TestFinishedSplitInfoJSONRoundTrip(t *testing.T) {
	f := FinishedSnapshotSplitInfo{
		SplitID: "products-0",
		Table:   TableID{Schema: "shop", Table: "products"},
		Range:   Range{Start: &Boundary{Key: key("5")}, End: &Boundary{Key: key("9")}},
		HighWatermark: offset.Offset{
			File: "mysql-bin.000003",
			Pos:  4821,
		},
	}

	buf, err := json.Marshal(f)
	require.NoError(t, err)

	var restored FinishedSnapshotSplitInfo
	require.NoError(t, json.Unmarshal(buf, &restored))

	assert.Equal(t, f.SplitID, restored.SplitID)
	assert.Equal(t, f.Table, restored.Table)
	assert.True(t, offset.Eq(f.HighWatermark, restored.HighWatermark))
	assert.Equal(t, 0, f.Range.Start.Key.Compare(restored.Range.Start.Key))
	assert.Equal(t, 0, f.Range.End.Key.Compare(restored.Range.End.Key))

	buf2, err := json.Marshal(restored)
	require.NoError(t, err)
	assert.Equal(t, buf, buf2, "serialize->deserialize->serialize is byte-identical")
}
