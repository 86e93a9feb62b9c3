package rangeidx

import (
	"fmt"
	"sync"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/golang/glog"
)

// RangeIndex is the set of ranges for one (level, sub_level) (spec
// GLOSSARY). One reader-writer mutex per RangeIndex guards its map (spec
// §5: "Reads dominate; writes happen only on miss-driven loads and
// administrative updates").
type RangeIndex struct {
	IndexID   uint32
	RangeSize uint64
	Level     uint8
	SubLevel  uint8

	store MetadataStore

	mu     sync.RWMutex
	ranges map[uint64]*Range
}

// NewRangeIndex constructs an empty RangeIndex backed by store for
// miss-driven loads.
func NewRangeIndex(indexID uint32, level, subLevel uint8, rangeSize uint64, store MetadataStore) *RangeIndex {
	return &RangeIndex{
		IndexID:   indexID,
		RangeSize: rangeSize,
		Level:     level,
		SubLevel:  subLevel,
		store:     store,
		ranges:    make(map[uint64]*Range),
	}
}

// CalcRangeIndex maps an item_key to its range_index (spec §4.4
// "calc_range_index(item_key) = item_key / range_size").
func (ri *RangeIndex) CalcRangeIndex(itemKey uint64) uint64 {
	cmn.Assertf(ri.RangeSize > 0, "range index %d: range_size must be positive", ri.IndexID)
	return itemKey / ri.RangeSize
}

// Find performs a constant-time lookup under a read lock (spec §4.4
// "find(range_index) -> Range?").
func (ri *RangeIndex) Find(rangeIndex uint64) (*Range, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	r, ok := ri.ranges[rangeIndex]
	return r, ok
}

// add publishes r into the map under a write lock (spec §4.4 / original
// RangeIndex::addNL).
func (ri *RangeIndex) add(r *Range) {
	ri.mu.Lock()
	ri.ranges[r.RangeIndex] = r
	ri.mu.Unlock()
}

// LoadRange resolves a miss: fetches the range's metadata row from the
// external store, hydrates it, and publishes it under a write lock,
// double-checking for a concurrently-inserted entry first and discarding
// its own fetch if another loader already won (spec §4.4; grounded on
// original_source/manager/index.hpp's find/loadRange split, per
// SPEC_FULL.md's supplemented-features note). A failed store fetch wraps
// cmn.ErrMetadataStoreDown (spec §7 "Metadata-store unreachable (Range
// miss)" -> 503), distinct from Manager.Resolve's cmn.ErrRangeUnavailable
// for a (level, sub_level) that was never registered at all.
func (ri *RangeIndex) LoadRange(rangeIndex uint64) (*Range, error) {
	if r, ok := ri.Find(rangeIndex); ok {
		return r, nil
	}

	row, err := ri.store.LoadRange(ri.Level, ri.SubLevel, rangeIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cmn.ErrMetadataStoreDown, err)
	}
	storages := make([]*StorageNode, len(row.Storages))
	for i, s := range row.Storages {
		storages[i] = NewStorageNode(s.ID, s.Addr, s.CapacityTotal, s.CapacityFree, StorageStatus(s.Status))
	}
	fetched := NewRange(row.RangeID, rangeIndex, storages)

	ri.mu.Lock()
	defer ri.mu.Unlock()
	if existing, ok := ri.ranges[rangeIndex]; ok {
		glog.V(3).Infof("range index %d: discarding duplicate load of range_index=%d, already present", ri.IndexID, rangeIndex)
		return existing, nil
	}
	ri.ranges[rangeIndex] = fetched
	return fetched, nil
}

// Update merges a freshly loaded RangeIndex into ri: every range present in
// both is merged via Range.Update (preserving StorageNode identity);
// ranges present only in src are added.
func (ri *RangeIndex) Update(src *RangeIndex) {
	src.mu.RLock()
	srcRanges := make([]*Range, 0, len(src.ranges))
	for _, r := range src.ranges {
		srcRanges = append(srcRanges, r)
	}
	src.mu.RUnlock()

	for _, incoming := range srcRanges {
		ri.mu.RLock()
		existing, ok := ri.ranges[incoming.RangeIndex]
		ri.mu.RUnlock()
		if ok {
			existing.Update(incoming)
			continue
		}
		ri.add(incoming)
	}
}

// Manager owns every (level, sub_level) RangeIndex known to this process,
// loaded once at startup (spec §4.4 "The manager loads all known
// (level, sub_level) combinations and their ranges at startup").
type Manager struct {
	store MetadataStore

	mu      sync.RWMutex
	byLevel map[uint8]map[uint8]*RangeIndex
	nextID  uint32
}

// NewManager constructs an empty range-index Manager backed by store.
func NewManager(store MetadataStore) *Manager {
	return &Manager{store: store, byLevel: make(map[uint8]map[uint8]*RangeIndex)}
}

// LoadAll hydrates every (level, sub_level) combination the metadata store
// currently knows about (spec §4.4 startup load).
func (m *Manager) LoadAll() error {
	levels, err := m.store.LoadLevels()
	if err != nil {
		return err
	}
	for _, lvl := range levels {
		if err := m.AddLevel(lvl.Level, lvl.SubLevel, lvl.RangeSize); err != nil {
			return err
		}
	}
	return nil
}

// CreateLevel persists a new (level, sub_level) combination to the
// metadata store and registers it in memory, in that order, so a crash
// between the two never leaves an in-memory-only level that a restart
// would forget (spec §4.6 MKCOL: "create... via the external metadata
// store").
func (m *Manager) CreateLevel(level, subLevel uint8, rangeSize uint64) error {
	if err := m.store.AddLevel(LevelRow{Level: level, SubLevel: subLevel, RangeSize: rangeSize}); err != nil {
		return err
	}
	return m.AddLevel(level, subLevel, rangeSize)
}

// AddLevel registers a new (level, sub_level) combination in memory only;
// used by LoadAll to hydrate from rows the store already has, and by
// CreateLevel after it has persisted a new one.
func (m *Manager) AddLevel(level, subLevel uint8, rangeSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.byLevel[level]
	if !ok {
		sub = make(map[uint8]*RangeIndex)
		m.byLevel[level] = sub
	}
	if _, exists := sub[subLevel]; exists {
		return nil
	}
	m.nextID++
	sub[subLevel] = NewRangeIndex(m.nextID, level, subLevel, rangeSize, m.store)
	return nil
}

// Find resolves the RangeIndex for (level, sub_level), if registered.
func (m *Manager) Find(level, subLevel uint8) (*RangeIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byLevel[level]
	if !ok {
		return nil, false
	}
	ri, ok := sub[subLevel]
	return ri, ok
}

// Resolve finds the RangeIndex for (level, sub_level), then the Range for
// itemKey within it, loading on miss (spec §4.6 PUT/GET dispatch path:
// "Compute range_index, look up or load the Range").
func (m *Manager) Resolve(level, subLevel uint8, itemKey uint64) (*Range, error) {
	ri, ok := m.Find(level, subLevel)
	if !ok {
		return nil, cmn.ErrRangeUnavailable
	}
	return ri.LoadRange(ri.CalcRangeIndex(itemKey))
}
