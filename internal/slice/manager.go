package slice

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/wire"
	"github.com/golang/glog"
)

// Manager owns the set of slice pairs under one level directory, and
// implements spec §4.2's add/get/load_index plus rebuild-from-data and
// free-space accounting.
type Manager struct {
	dir          string
	dataDir      string
	indexDir     string
	maxSliceSize int64
	minDiskFree  float64
	fsync        bool

	mu     sync.Mutex // guards pairs/order/nextID; per-slice writes use Pair.mu (spec §5)
	pairs  map[uint32]*Pair
	order  []uint32 // slice ids in creation order, oldest first
	nextID uint32

	keyMu    sync.RWMutex
	keyIndex map[itemKey]keyEntry // latest-version-by-time_tag, per (level,sub_level,item_key)
}

// itemKey is the in-memory lookup key for Manager.Find: the key triple
// named in spec §3, minus item_key's wire width (kept native here since
// this index never touches the disk).
type itemKey struct {
	level, subLevel uint8
	itemKey         uint64
}

// keyEntry is the latest known record for one item key, used to resolve
// ITEM_INFO/GET/DELETE by key without a network round trip per read (spec
// §4.3's commands only carry the key triple, not a location).
type keyEntry struct {
	ptr    cmn.ItemPointer
	header cmn.ItemHeader
}

// Options configures a Manager.
type Options struct {
	// Dir is the level directory: it must contain (or will be created to
	// contain) "data" and "index" subdirectories (spec §6 on-disk layout).
	Dir string
	// MaxSliceSize is the configured maximum slice size (spec §4.1).
	MaxSliceSize int64
	// MinDiskFree is the minimum free-disk fraction enforced before PUTs
	// (spec §4.2 "Free-space accounting").
	MinDiskFree float64
	// Fsync selects write-through durability: every Add blocks until its
	// data and index writes are synced (spec §4.3 "fsync policy is a
	// configuration knob"). Defaults to true via cmn.DefaultConfig.
	Fsync bool
}

// Open opens (or creates) the level directory at opts.Dir, rebuilding any
// slice whose index is missing or inconsistent with its data file (spec
// §4.2 "Rebuild from data").
func Open(opts Options) (*Manager, error) {
	dataDir := filepath.Join(opts.Dir, "data")
	indexDir := filepath.Join(opts.Dir, "index")
	for _, d := range []string{dataDir, indexDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	m := &Manager{
		dir:          opts.Dir,
		dataDir:      dataDir,
		indexDir:     indexDir,
		maxSliceSize: opts.MaxSliceSize,
		minDiskFree:  opts.MinDiskFree,
		fsync:        opts.Fsync,
		pairs:        make(map[uint32]*Pair),
		keyIndex:     make(map[itemKey]keyEntry),
	}

	if err := m.rebuildAll(); err != nil {
		return nil, err
	}
	return m, nil
}

// Add appends payload+header to an open writable slice with room for it,
// allocating a new slice if none exists or all are full (spec §4.2
// "add").
func (m *Manager) Add(header *cmn.ItemHeader, payload []byte) (cmn.ItemPointer, error) {
	needed := int64(wire.ItemHeaderWireLen) + int64(len(payload))

	if !m.canPutLocked(needed) {
		return cmn.ItemPointer{}, cmn.ErrNoSpace
	}

	pair, err := m.writableSlice(needed)
	if err != nil {
		return cmn.ItemPointer{}, err
	}

	ptr, err := pair.Append(header, payload)
	if err != nil {
		return cmn.ItemPointer{}, err
	}
	if pair.DataSize() >= m.maxSliceSize {
		pair.MarkFull()
	}
	m.updateKeyIndex(ptr, header)
	return ptr, nil
}

// updateKeyIndex publishes (ptr, header) as the current version for its key
// triple if no record is known yet, or if it is at least as new by
// time_tag order (spec §3: "the logically current version is the record
// with the greatest (time_tag.mod_time, time_tag.op)"); a tombstone is a
// version like any other and can supersede a live record here.
func (m *Manager) updateKeyIndex(ptr cmn.ItemPointer, header *cmn.ItemHeader) {
	key := itemKey{level: header.Level, subLevel: header.SubLevel, itemKey: header.ItemKey}
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	existing, ok := m.keyIndex[key]
	if !ok || !header.TimeTag.Less(existing.header.TimeTag) {
		m.keyIndex[key] = keyEntry{ptr: ptr, header: *header}
	}
}

// Find resolves the key triple's current record, the way ITEM_INFO/GET/
// DELETE are dispatched in practice (spec §4.3): those commands carry only
// the key, not a location, so the storage node service must hold the
// authoritative (key -> current record) mapping itself rather than trust a
// pointer handed back by a caller. found is false if this storage has never
// seen the key; it is true (with header.IsDeleted()) for a tombstone.
func (m *Manager) Find(level, subLevel uint8, key uint64) (ptr cmn.ItemPointer, header cmn.ItemHeader, found bool) {
	m.keyMu.RLock()
	defer m.keyMu.RUnlock()
	e, ok := m.keyIndex[itemKey{level: level, subLevel: subLevel, itemKey: key}]
	if !ok {
		return cmn.ItemPointer{}, cmn.ItemHeader{}, false
	}
	return e.ptr, e.header, true
}

// CapacitySnapshot reports total/free bytes on this manager's filesystem,
// for the PING command's answer payload (spec §6).
func (m *Manager) CapacitySnapshot() (total, free uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.dir, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// writableSlice returns a Pair with room for `needed` more bytes,
// allocating a new slice_id if the newest one is full or absent.
func (m *Manager) writableSlice(needed int64) (*Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.order); n > 0 {
		last := m.pairs[m.order[n-1]]
		if !last.Full() && last.DataSize()+needed <= m.maxSliceSize {
			return last, nil
		}
		if !last.Full() {
			last.MarkFull()
		}
	}

	id := m.nextID
	m.nextID++
	pair, err := OpenPair(m.dataDir, m.indexDir, id, m.fsync)
	if err != nil {
		return nil, err
	}
	m.pairs[id] = pair
	m.order = append(m.order, id)
	glog.Infof("slice manager %s: allocated new slice %d", m.dir, id)
	return pair, nil
}

// Get performs a positional read of the item named by ptr/size, verifying
// the returned header matches the caller's expected key triple and is not
// a tombstone (spec §4.2 "get").
func (m *Manager) Get(ptr cmn.ItemPointer, size uint32, level, subLevel uint8, itemKey uint64) ([]byte, *cmn.ItemHeader, error) {
	m.mu.Lock()
	pair, ok := m.pairs[ptr.SliceID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, cmn.ErrNotFound
	}

	raw, err := pair.Read(ptr.Seek, size)
	if err != nil {
		return nil, nil, err
	}
	header, err := wire.DecodeItemHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	if header.Level != level || header.SubLevel != subLevel || header.ItemKey != itemKey {
		return nil, nil, cmn.ErrNotFound
	}
	if header.IsDeleted() {
		return nil, nil, cmn.ErrNotFound
	}
	return raw, header, nil
}

// LoadIndex emits one framed chunk of index records for the Manager's
// catch-up protocol (spec §4.2 "load_index"), continuing from (sliceID,
// seek). The chunk's finished-flag is set exactly when the chunk reaches
// the end of its own slice's index records (spec §6: "the high bit...is
// set when the chunk ends the slice") — it says nothing about whether a
// later slice exists. LoadIndex returns ok=false once no more
// slices/records remain anywhere. Calling LoadIndex repeatedly with the
// same (sliceID, seek) is a pure read and so is idempotent (spec §8).
func (m *Manager) LoadIndex(sliceID uint32, seek int64, chunkSize int) (framed []byte, nextSliceID uint32, nextSeek int64, ok bool, err error) {
	m.mu.Lock()
	order := append([]uint32(nil), m.order...)
	m.mu.Unlock()

	idx := -1
	for i, id := range order {
		if id == sliceID {
			idx = i
			break
		}
	}
	if idx == -1 {
		if len(order) == 0 {
			return nil, 0, 0, false, nil
		}
		idx = 0
		seek = 0
	}

	for idx < len(order) {
		id := order[idx]
		m.mu.Lock()
		pair := m.pairs[id]
		m.mu.Unlock()

		chunk, newSeek, finishedSlice, err := pair.ReadIndexChunk(seek, chunkSize)
		if err != nil {
			return nil, 0, 0, false, err
		}
		if len(chunk) == 0 {
			if idx+1 >= len(order) {
				return nil, 0, 0, false, nil
			}
			idx++
			seek = 0
			continue
		}

		framed = wire.FrameChunk(chunk, finishedSlice)
		if finishedSlice && idx+1 < len(order) {
			return framed, order[idx+1], 0, true, nil
		}
		return framed, id, newSeek, true, nil
	}
	return nil, 0, 0, false, nil
}

// canPutLocked reports whether adding `size` more bytes would keep
// projected free disk space at or above the configured floor (spec §4.2
// "Free-space accounting").
func (m *Manager) CanPut(size int64) bool { return m.canPutLocked(size) }

func (m *Manager) canPutLocked(size int64) bool {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.dir, &stat); err != nil {
		glog.Errorf("slice manager %s: statfs failed: %v", m.dir, err)
		return false
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return false
	}
	projectedFree := free
	if size > 0 {
		if uint64(size) > projectedFree {
			projectedFree = 0
		} else {
			projectedFree -= uint64(size)
		}
	}
	floor := m.minDiskFree * float64(total)
	return float64(projectedFree) >= floor
}

// Close releases all open slice pairs.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, p := range m.pairs {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SliceIDs returns the ids of all slices known to this manager, oldest
// first.
func (m *Manager) SliceIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.order...)
}
