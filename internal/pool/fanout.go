package pool

import (
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/rangeidx"
	"github.com/carriercomm/metis/internal/wire"
	"golang.org/x/sync/errgroup"
)

// ItemAnswer is one storage's response to a fanned-out ITEM_INFO (spec
// §4.5 "ItemInfoTask"). Header is only meaningful when Status is OK.
type ItemAnswer struct {
	Storage *rangeidx.StorageNode
	Status  wire.Status
	Header  cmn.ItemHeader
}

// ItemInfoTask is the completed result of fanning ITEM_INFO out across a
// range's storage list, for the GET dispatch path (spec §4.5/§4.6: "issue
// ITEM_INFO to every storage in the range in parallel; the task completes
// when every outstanding event has answered or errored"). Grounded on
// original_source/manager/storage_cmd_event.cpp's StorageCMDItemInfo:
// addAnswer/_isComplete match answers to events by identity and complete
// when every event slot has been filled; this package gets the same
// all-must-finish semantics for free from errgroup.Wait, since each
// goroutine always reports a result (answered or errored) before
// returning.
type ItemInfoTask struct {
	answers []ItemAnswer
}

// NewItemInfoTask issues ITEM_INFO to every storage in storages in
// parallel and blocks until every one has answered or errored; a storage
// that cannot be reached is recorded as an ERROR answer. Per spec §9's Open
// Question, if checking out an event for any storage fails (e.g.
// cmn.ErrPoolExhausted), it releases every event it had already checked
// out and returns (nil, err) rather than a partial task (the original's
// StorageCMDEventPool::mkStorageItemInfo instead returned `false` cast to
// a pointer, a bug — see DESIGN.md).
func NewItemInfoTask(p *Pool, storages []*rangeidx.StorageNode, header *cmn.ItemHeader, deadline time.Time) (*ItemInfoTask, error) {
	if len(storages) == 0 {
		return nil, cmn.ErrNoStorages
	}

	events := make([]*CommandEvent, len(storages))
	acquired := events[:0]
	for i, s := range storages {
		ev, err := p.Get(s)
		if err != nil {
			for _, a := range acquired {
				p.Put(a)
			}
			return nil, err
		}
		events[i] = ev
		acquired = append(acquired, ev)
	}

	answers := make([]ItemAnswer, len(storages))
	var eg errgroup.Group
	for i := range storages {
		i := i
		eg.Go(func() error {
			ev := events[i]
			ans, body, err := ev.Send(deadline, wire.CmdItemInfo, header, nil)
			if err != nil {
				answers[i] = ItemAnswer{Storage: storages[i], Status: wire.StatusError}
				p.Put(ev)
				return nil
			}
			var h cmn.ItemHeader
			if ans.Status == wire.StatusOK {
				if decoded, derr := wire.DecodeItemHeader(body); derr == nil {
					h = *decoded
				}
			}
			answers[i] = ItemAnswer{Storage: storages[i], Status: ans.Status, Header: h}
			p.Put(ev)
			return nil
		})
	}
	eg.Wait() // the per-goroutine closures never return a non-nil error; failures are recorded as answers

	return &ItemInfoTask{answers: answers}, nil
}

// Answers returns every storage's answer, in fan-out (storage list) order.
func (t *ItemInfoTask) Answers() []ItemAnswer {
	out := make([]ItemAnswer, len(t.answers))
	copy(out, t.answers)
	return out
}

// GetPutStorage returns the first storage, in fan-out order, that answered
// OK and whose header shows it can still absorb size more bytes (spec
// §4.5 "get_put_storage(size)"; grounded on
// original_source/manager/storage_cmd_event.cpp's
// StorageCMDItemInfo::getPutStorage).
func (t *ItemInfoTask) GetPutStorage(size uint64, minDiskFreeFraction float64) *rangeidx.StorageNode {
	for _, a := range t.answers {
		if a.Status == wire.StatusOK && a.Storage.CanPut(size, minDiskFreeFraction) {
			return a.Storage
		}
	}
	return nil
}

// BestHeader returns the most recent (by TimeTag) non-deleted header among
// every OK answer, for the GET dispatch path's last-writer-wins resolution
// (spec §4.6 GET: "resolve the current version across replicas by
// time_tag"). found is false if every answer was NOT_FOUND or deleted.
func (t *ItemInfoTask) BestHeader() (storage *rangeidx.StorageNode, header cmn.ItemHeader, found bool) {
	for _, a := range t.answers {
		if a.Status != wire.StatusOK || a.Header.IsDeleted() {
			continue
		}
		if !found || header.TimeTag.Less(a.Header.TimeTag) {
			storage, header, found = a.Storage, a.Header, true
		}
	}
	return storage, header, found
}
