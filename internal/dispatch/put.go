package dispatch

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/pool"
	"github.com/carriercomm/metis/internal/wire"
	"github.com/golang/glog"
)

// httpput implements spec §4.6's PUT flow: parse the URL, resolve the
// item's Range, ask it directly for a storage that can absorb the upload
// (Range.GetPutStorage — a capacity-table lookup, not a fan-out; ITEM_INFO
// fan-out is GET's job, per spec §4.6), then pipe the body through the
// pool as a single PUT command.
func (h *Handler) httpput(w http.ResponseWriter, r *http.Request, p *pool.Pool) {
	parsed, err := ParseItemPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxSliceSize))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cmn.CRC32(body) != parsed.CRC {
		http.Error(w, "crc mismatch", http.StatusBadRequest)
		return
	}

	rng, err := h.mgr.Resolve(parsed.Level, parsed.SubLevel, parsed.ItemKey)
	if err != nil {
		glog.Errorf("dispatch PUT %s: resolve range: %v", r.URL.Path, err)
		if errors.Is(err, cmn.ErrMetadataStoreDown) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	}

	size := uint64(wire.ItemHeaderWireLen + len(body))
	storage := rng.GetPutStorage(size, h.cfg.MinDiskFree)
	if storage == nil {
		http.Error(w, "no storage can accept this write", http.StatusInsufficientStorage)
		return
	}

	header := parsed.ToItemHeader()
	header.Size = uint32(len(body))
	header.TimeTag = h.nextTimeTag()

	ev, err := p.Get(storage)
	if err != nil {
		glog.Errorf("dispatch PUT %s: acquire command event for storage %d: %v", r.URL.Path, storage.ID, err)
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	}
	deadline := time.Now().Add(h.cfg.CommandTimeout)
	ans, ansBody, err := ev.Send(deadline, wire.CmdPut, &header, body)
	p.Put(ev)
	if err != nil {
		glog.Errorf("dispatch PUT %s: storage %d: %v", r.URL.Path, storage.ID, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	switch ans.Status {
	case wire.StatusOK:
		if _, derr := wire.DecodeItemPointer(ansBody); derr != nil {
			glog.Warningf("dispatch PUT %s: storage %d answered OK with an undecodable pointer: %v", r.URL.Path, storage.ID, derr)
		}
		w.WriteHeader(http.StatusCreated)
	case wire.StatusNoSpace:
		http.Error(w, "storage out of space", http.StatusInsufficientStorage)
	default:
		http.Error(w, ans.Status.String(), http.StatusBadGateway)
	}
}
