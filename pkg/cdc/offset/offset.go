// Package offset implements the total-ordering algebra over binlog
// positions described in spec.md 4.A: comparison, min/max, and stable
// serialization. Offsets carry an optional GTID set (from
// go-mysql-org/go-mysql, the teacher's own replication transport) and fall
// back to (file, position) ordering when no GTID set is present on either
// side, grounded on the dm-syncer locationRecorder pattern of tracking a
// file/position frontier alongside a GTID frontier.
package offset

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/cdcerrors"
)

// noStoppingPos is a sentinel position value greater than any real binlog
// position within a file, used together with an empty file name to build
// the NoStopping offset.
const noStoppingPos = math.MaxUint32

// Offset is a totally-ordered position within one MySQL server's binlog.
// Two offsets are only comparable when they originate from the same
// server: either their file namespaces agree, or one's GTID set subsumes
// the other's.
type Offset struct {
	File    string
	Pos     uint32
	GTIDSet mysql.GTIDSet
}

// Earliest is the sentinel representing "before any real offset".
func Earliest() Offset { return Offset{} }

// NoStopping is the sentinel stop-offset meaning "never stop".
func NoStopping() Offset { return Offset{Pos: noStoppingPos} }

// IsEarliest reports whether o is the EARLIEST sentinel.
func (o Offset) IsEarliest() bool { return o.File == "" && o.Pos == 0 && o.GTIDSet == nil }

// IsNoStopping reports whether o is the NO_STOPPING sentinel.
func (o Offset) IsNoStopping() bool { return o.File == "" && o.Pos == noStoppingPos }

// FromPosition builds an Offset from a go-mysql file/position pair.
func FromPosition(p mysql.Position) Offset {
	return Offset{File: p.Name, Pos: p.Pos}
}

// WithGTIDSet returns a copy of o carrying the given GTID set.
func (o Offset) WithGTIDSet(set mysql.GTIDSet) Offset {
	o.GTIDSet = set
	return o
}

// Position extracts the file/position pair, ignoring any GTID set.
func (o Offset) Position() mysql.Position {
	return mysql.Position{Name: o.File, Pos: o.Pos}
}

func (o Offset) String() string {
	if o.IsEarliest() {
		return "EARLIEST"
	}
	if o.IsNoStopping() {
		return "NO_STOPPING"
	}
	if o.GTIDSet != nil {
		return fmt.Sprintf("%s:%d[%s]", o.File, o.Pos, o.GTIDSet.String())
	}
	return fmt.Sprintf("%s:%d", o.File, o.Pos)
}

// comparable reports whether a and b can be ordered: both sentinels are
// always comparable against anything; otherwise at least one side must
// either share a file namespace with the other or carry a GTID set that
// subsumes (or is subsumed by) the other's.
func comparable(a, b Offset) bool {
	if a.IsEarliest() || b.IsEarliest() || a.IsNoStopping() || b.IsNoStopping() {
		return true
	}
	// A file namespace is the binlog base name without its numeric
	// extension, so mysql-bin.000001 and mysql-bin.000002 share one.
	aNS, bNS := a.File, b.File
	if i := strings.LastIndexByte(aNS, '.'); i >= 0 {
		aNS = aNS[:i]
	}
	if i := strings.LastIndexByte(bNS, '.'); i >= 0 {
		bNS = bNS[:i]
	}
	if aNS == bNS {
		return true
	}
	if a.GTIDSet != nil && b.GTIDSet != nil {
		return a.GTIDSet.Contain(b.GTIDSet) || b.GTIDSet.Contain(a.GTIDSet)
	}
	return false
}

// Compare returns -1, 0, or 1 for a<b, a==b, a>b. It returns
// ErrIncomparableOffsets if a and b cannot be ordered (different file
// namespaces, no GTID overlap, per spec.md 4.A).
func Compare(a, b Offset) (int, error) {
	if a.IsEarliest() && b.IsEarliest() {
		return 0, nil
	}
	if a.IsEarliest() {
		return -1, nil
	}
	if b.IsEarliest() {
		return 1, nil
	}
	if a.IsNoStopping() && b.IsNoStopping() {
		return 0, nil
	}
	if a.IsNoStopping() {
		return 1, nil
	}
	if b.IsNoStopping() {
		return -1, nil
	}
	if !comparable(a, b) {
		return 0, fmt.Errorf("%w: %s vs %s", cdcerrors.ErrIncomparableOffsets, a, b)
	}
	// Prefer GTID-set subsumption when both sides carry a set from the
	// same flavor; this is the precise case per spec.md ("falls back to
	// gtid_set contains if present").
	if a.GTIDSet != nil && b.GTIDSet != nil {
		switch {
		case a.GTIDSet.Equal(b.GTIDSet):
			return filePosCompare(a, b), nil
		case a.GTIDSet.Contain(b.GTIDSet):
			return 1, nil
		case b.GTIDSet.Contain(a.GTIDSet):
			return -1, nil
		}
	}
	return filePosCompare(a, b), nil
}

func filePosCompare(a, b Offset) int {
	if a.File != b.File {
		if a.File < b.File {
			return -1
		}
		return 1
	}
	switch {
	case a.Pos < b.Pos:
		return -1
	case a.Pos > b.Pos:
		return 1
	default:
		return 0
	}
}

// Le reports a <= b.
func Le(a, b Offset) (bool, error) {
	c, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	return c <= 0, nil
}

// Lt reports a < b.
func Lt(a, b Offset) (bool, error) {
	c, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	return c < 0, nil
}

// Eq is structural equality over all fields, not total-order equivalence:
// File and Pos must match exactly, and GTID sets (when both are present)
// are compared with GTIDSet.Equal. Used by round-trip tests.
func Eq(a, b Offset) bool {
	if a.File != b.File || a.Pos != b.Pos {
		return false
	}
	if (a.GTIDSet == nil) != (b.GTIDSet == nil) {
		return false
	}
	if a.GTIDSet == nil {
		return true
	}
	return a.GTIDSet.Equal(b.GTIDSet)
}

// Min returns whichever of a, b compares lower.
func Min(a, b Offset) (Offset, error) {
	c, err := Compare(a, b)
	if err != nil {
		return Offset{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

// Max returns whichever of a, b compares higher.
func Max(a, b Offset) (Offset, error) {
	c, err := Compare(a, b)
	if err != nil {
		return Offset{}, err
	}
	if c >= 0 {
		return a, nil
	}
	return b, nil
}

// wireOffset is the stable JSON representation: the GTID set is encoded as
// its textual form plus a flavor tag so it can be re-parsed on restore.
type wireOffset struct {
	File       string `json:"file"`
	Pos        uint32 `json:"pos"`
	GTIDFlavor string `json:"gtid_flavor,omitempty"`
	GTIDSet    string `json:"gtid_set,omitempty"`
}

// MarshalJSON implements stable serialization across restarts (spec.md
// 4.B/8: round-trip laws).
func (o Offset) MarshalJSON() ([]byte, error) {
	w := wireOffset{File: o.File, Pos: o.Pos}
	if o.GTIDSet != nil {
		w.GTIDFlavor = flavorOf(o.GTIDSet)
		w.GTIDSet = o.GTIDSet.String()
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (o *Offset) UnmarshalJSON(data []byte) error {
	var w wireOffset
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	o.File = w.File
	o.Pos = w.Pos
	o.GTIDSet = nil
	if w.GTIDSet != "" {
		set, err := mysql.ParseGTIDSet(w.GTIDFlavor, w.GTIDSet)
		if err != nil {
			return fmt.Errorf("cdc: parsing gtid set %q: %w", w.GTIDSet, err)
		}
		o.GTIDSet = set
	}
	return nil
}

// flavorOf is a best-effort flavor tag recovered from the GTID set's
// concrete type, since go-mysql's GTIDSet interface does not expose it
// directly.
func flavorOf(set mysql.GTIDSet) string {
	switch set.(type) {
	case *mysql.MysqlGTIDSet:
		return mysql.MySQLFlavor
	case *mysql.MariadbGTIDSet:
		return mysql.MariaDBFlavor
	default:
		return mysql.MySQLFlavor
	}
}
