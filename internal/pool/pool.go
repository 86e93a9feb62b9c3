package pool

import (
	"sync"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/rangeidx"
)

// Pool is a per-worker set of per-storage connection free lists (spec §4.5
// "no more than max_connections_per_storage sockets exist in the pool for
// any given storage at any time"). One Pool is owned by one dispatch
// worker goroutine (spec §5 "workers own their pools; nothing is shared
// across worker boundaries"), but its own fan-out helper (ItemInfoTask)
// drives several goroutines against the same Pool concurrently, so its
// bookkeeping is still guarded by a mutex.
type Pool struct {
	cap         int
	dialTimeout time.Duration

	mu   sync.Mutex
	free map[uint32][]*CommandEvent
	live map[uint32]int // sockets currently alive for this storage, pooled or checked out
}

// New constructs a Pool capping each storage at maxConnectionsPerStorage
// live sockets, dialing new connections with dialTimeout.
func New(maxConnectionsPerStorage int, dialTimeout time.Duration) *Pool {
	return &Pool{
		cap:         maxConnectionsPerStorage,
		dialTimeout: dialTimeout,
		free:        make(map[uint32][]*CommandEvent),
		live:        make(map[uint32]int),
	}
}

// Get checks out a *CommandEvent for storage: a pooled idle one if the free
// list is non-empty, otherwise a freshly allocated one if this storage is
// under its live-socket cap. Returns cmn.ErrPoolExhausted once the cap is
// reached (original_source/manager/storage_cmd_event.cpp's
// StorageCMDEventPool::get never fails this way — its cap only bounds the
// *idle* free list, via free()'s discard-over-cap check — but a task that
// fans ITEM_INFO out across every storage in a range needs a concrete place
// for an acquisition to fail so that partial-acquire cleanup has something
// real to exercise; see DESIGN.md).
func (p *Pool) Get(storage *rangeidx.StorageNode) (*CommandEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.free[storage.ID]; len(list) > 0 {
		ev := list[len(list)-1]
		p.free[storage.ID] = list[:len(list)-1]
		ev.Storage = storage
		return ev, nil
	}
	if p.live[storage.ID] >= p.cap {
		return nil, cmn.ErrPoolExhausted
	}
	p.live[storage.ID]++
	return newCommandEvent(storage, p.dialTimeout), nil
}

// Put returns ev to its storage's free list if it is healthy and the free
// list is under cap, else destroys it and decrements the live count (spec
// §4.5; grounded on StorageCMDEventPool::free's "deregister, then pool if
// under cap, else delete" logic — this package has no descriptor to
// deregister since net.Conn's readiness is managed by the Go runtime, not
// an explicit epoll set, so Put only does the pool-or-destroy half).
func (p *Pool) Put(ev *CommandEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	storageID := ev.Storage.ID
	if ev.healthy() && len(p.free[storageID]) < p.cap {
		p.free[storageID] = append(p.free[storageID], ev)
		return
	}
	ev.Close()
	p.live[storageID]--
}

// Close tears down every pooled connection, for shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, list := range p.free {
		for _, ev := range list {
			ev.Close()
		}
		delete(p.free, id)
	}
	p.live = make(map[uint32]int)
}
