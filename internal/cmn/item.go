// Package cmn provides low-level types, configuration, and utilities shared
// by every Metis component: the item key triple, the on-disk/on-wire
// ItemHeader, and the small assertion/error helpers the rest of the tree
// builds on.
package cmn

import "fmt"

// ItemStatus bits, stored in ItemHeader.Status.
const (
	StatusNone    uint8 = 0
	StatusDeleted uint8 = 1 << 0 // tombstone
)

// TimeTag is the cross-replica version ordinal: wall-clock modification
// time plus a monotonic per-modification counter used to break ties between
// replicas that were written in the same second.
type TimeTag struct {
	ModTime uint32
	Op      uint32
}

// Less reports whether t is strictly older than other.
func (t TimeTag) Less(other TimeTag) bool {
	if t.ModTime != other.ModTime {
		return t.ModTime < other.ModTime
	}
	return t.Op < other.Op
}

// ItemHeader is written verbatim into slice data/index files and onto the
// wire; its layout is stable (see internal/wire for the binary encoding).
type ItemHeader struct {
	Status   uint8
	Reserved uint8
	Level    uint8
	SubLevel uint8
	ItemKey  uint64
	TimeTag  TimeTag
	Size     uint32
}

// Key returns the (level, sub_level, item_key) triple that addresses this
// item.
func (h *ItemHeader) Key() (level, subLevel uint8, itemKey uint64) {
	return h.Level, h.SubLevel, h.ItemKey
}

// IsDeleted reports whether h is a tombstone.
func (h *ItemHeader) IsDeleted() bool { return h.Status&StatusDeleted != 0 }

// SameKey reports whether h addresses the same (level, sub_level, item_key)
// triple as other.
func (h *ItemHeader) SameKey(other *ItemHeader) bool {
	return h.Level == other.Level && h.SubLevel == other.SubLevel && h.ItemKey == other.ItemKey
}

func (h *ItemHeader) String() string {
	return fmt.Sprintf("item(%d/%d/%d size=%d deleted=%t mod=%d.%d)",
		h.Level, h.SubLevel, h.ItemKey, h.Size, h.IsDeleted(), h.TimeTag.ModTime, h.TimeTag.Op)
}

// ItemPointer identifies where in a slice pair an item's bytes live.
type ItemPointer struct {
	SliceID uint32
	Seek    uint32
}

func (p ItemPointer) String() string {
	return fmt.Sprintf("ptr(slice=%d seek=%d)", p.SliceID, p.Seek)
}
