package copyset

import (
	"fmt"
	"strconv"
)

type (
	LogicPoolID = uint32
	CopysetID   = uint32
)

// GroupID identifies a raft group on a chunkserver. The logical pool id
// occupies the high 32 bits and the copyset id the low 32 bits.
type GroupID uint64

func ToGroupID(pool LogicPoolID, cs CopysetID) GroupID {
	return GroupID(uint64(pool)<<32 | uint64(cs))
}

func (g GroupID) PoolID() LogicPoolID { return LogicPoolID(uint64(g) >> 32) }

func (g GroupID) CopysetID() CopysetID { return CopysetID(uint64(g) & 0xffffffff) }

// String is the decimal form used as the copyset directory name.
func (g GroupID) String() string { return strconv.FormatUint(uint64(g), 10) }

// GroupIDString renders "(pool, copyset, groupid)" for log lines.
func GroupIDString(pool LogicPoolID, cs CopysetID) string {
	return fmt.Sprintf("(%d, %d, %d)", pool, cs, uint64(ToGroupID(pool, cs)))
}

// ParseGroupID parses a copyset directory name.
func ParseGroupID(s string) (GroupID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedGroupID, s)
	}
	return GroupID(v), nil
}
