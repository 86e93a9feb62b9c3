// Package rangeidx implements the manager-side placement index (spec
// §4.4): Range/RangeIndex objects mapping item-key space to ordered
// storage-replica lists, loaded lazily from an external metadata store.
package rangeidx

import (
	"sync"
)

// StorageStatus is a StorageNode's health as last loaded from the metadata
// store (spec §3 "StorageNode").
type StorageStatus uint8

const (
	StorageOK StorageStatus = iota
	StorageError
)

// StorageNode is the manager's view of one storage replica (spec §3).
// Capacity fields are guarded by mu and refreshed only through
// UpdateCapacity, which Range.Update calls when a range is reloaded; PUT
// and PING answers do not update them, so readers see the values last
// loaded from the metadata store.
type StorageNode struct {
	mu sync.Mutex

	ID            uint32
	Addr          string // host:port dialed by internal/pool
	capacityTotal uint64
	capacityFree  uint64
	status        StorageStatus
}

// NewStorageNode constructs a node record for loading into a Range.
func NewStorageNode(id uint32, addr string, capacityTotal, capacityFree uint64, status StorageStatus) *StorageNode {
	return &StorageNode{ID: id, Addr: addr, capacityTotal: capacityTotal, capacityFree: capacityFree, status: status}
}

// CanPut reports whether this node can absorb `size` more bytes without
// violating the minimum-free-space floor (spec §3: "can_put(size) is true
// iff capacity_free - size >= min_disk_free").
//
// min_disk_free is expressed as a fraction of capacity_total elsewhere
// (cmn.Config.MinDiskFree, internal/slice); here it is resolved against
// this node's own last-known total so the manager's admission check and
// the storage's own `syscall.Statfs`-based check agree on units.
func (n *StorageNode) CanPut(size uint64, minDiskFreeFraction float64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StorageOK {
		return false
	}
	if size > n.capacityFree {
		return false
	}
	floor := uint64(minDiskFreeFraction * float64(n.capacityTotal))
	return n.capacityFree-size >= floor
}

// Status reports the node's last-known health.
func (n *StorageNode) Status() StorageStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// UpdateCapacity records a fresh capacity/status snapshot. Its only caller
// is Range.Update, which passes the values of a freshly loaded range.
func (n *StorageNode) UpdateCapacity(total, free uint64, status StorageStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.capacityTotal, n.capacityFree, n.status = total, free, status
}

// Range is a contiguous span of item_key space (spec GLOSSARY) assigned to
// an ordered replica list; the first entry is the primary.
type Range struct {
	mu sync.RWMutex

	RangeID    uint64
	RangeIndex uint64
	storages   []*StorageNode
}

// NewRange constructs a Range from a metadata-store row already hydrated
// into StorageNode values.
func NewRange(rangeID, rangeIndex uint64, storages []*StorageNode) *Range {
	return &Range{RangeID: rangeID, RangeIndex: rangeIndex, storages: storages}
}

// Storages returns a snapshot of this range's current replica list,
// primary first.
func (r *Range) Storages() []*StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StorageNode, len(r.storages))
	copy(out, r.storages)
	return out
}

// Primary returns the first replica, or nil if the range has none.
func (r *Range) Primary() *StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.storages) == 0 {
		return nil
	}
	return r.storages[0]
}

// GetPutStorage returns the first replica, in fan-out order, whose last
// known answer was OK and which can absorb `size` more bytes (spec §4.5
// "get_put_storage(size) returns the first answering storage whose
// can_put(size) is true"; original_source/manager/index.hpp's
// Range::getPutStorage / IndexManager::getPutStorage establish the
// "first in list order, not least-loaded" selection policy this follows,
// per SPEC_FULL.md's supplemented-features note).
func (r *Range) GetPutStorage(size uint64, minDiskFreeFraction float64) *StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.storages {
		if s.CanPut(size, minDiskFreeFraction) {
			return s
		}
	}
	return nil
}

// Update merges a freshly loaded Range into r in place: storage-list
// updates must preserve references held by in-flight command events, so
// this mutates r.storages rather than replacing the slice wholesale (spec
// §4.4 "Update semantics"). Storages present in r but absent from src are
// removed; storages present in src but absent from r are appended; shared
// ids keep their existing *StorageNode pointer (only their fields may
// differ, and those are refreshed via UpdateCapacity, not replacement).
func (r *Range) Update(src *Range) {
	srcStorages := src.Storages()
	byID := make(map[uint32]*StorageNode, len(srcStorages))
	for _, s := range srcStorages {
		byID[s.ID] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.storages[:0]
	seen := make(map[uint32]bool, len(r.storages))
	for _, existing := range r.storages {
		if fresh, ok := byID[existing.ID]; ok {
			existing.UpdateCapacity(fresh.capacityTotal, fresh.capacityFree, fresh.status)
			kept = append(kept, existing)
			seen[existing.ID] = true
		}
	}
	for _, s := range srcStorages {
		if !seen[s.ID] {
			kept = append(kept, s)
		}
	}
	r.storages = kept
}
