package dispatch

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/pool"
	"github.com/carriercomm/metis/internal/wire"
	"github.com/golang/glog"
)

// httpget implements spec §4.6's GET flow: parse the URL, resolve the
// item's Range, fan ITEM_INFO out across every replica (spec §8 scenario
// 5: a tombstoned replica must not shadow a live one on another replica),
// pick the current version by time_tag, then stream GET from that
// storage.
func (h *Handler) httpget(w http.ResponseWriter, r *http.Request, p *pool.Pool) {
	parsed, err := ParseItemPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rng, err := h.mgr.Resolve(parsed.Level, parsed.SubLevel, parsed.ItemKey)
	if err != nil {
		glog.Errorf("dispatch GET %s: resolve range: %v", r.URL.Path, err)
		if errors.Is(err, cmn.ErrMetadataStoreDown) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	deadline := time.Now().Add(h.cfg.CommandTimeout)
	header := parsed.ToItemHeader()
	task, err := pool.NewItemInfoTask(p, rng.Storages(), &header, deadline)
	if err != nil {
		glog.Errorf("dispatch GET %s: item info fan-out: %v", r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	storage, current, found := task.BestHeader()
	if !found {
		if allErrored(task) {
			http.Error(w, "every replica errored", http.StatusBadGateway)
			return
		}
		http.NotFound(w, r)
		return
	}

	ev, err := p.Get(storage)
	if err != nil {
		glog.Errorf("dispatch GET %s: acquire command event for storage %d: %v", r.URL.Path, storage.ID, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	ans, body, err := ev.Send(deadline, wire.CmdGet, nil, encodeGetRequest(&current))
	p.Put(ev)
	if err != nil {
		glog.Errorf("dispatch GET %s: storage %d: %v", r.URL.Path, storage.ID, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	switch ans.Status {
	case wire.StatusOK:
		// the storage answers with the stored ItemHeader followed by the
		// payload; only the payload goes to the client, after checking it
		// against the CRC carried in the URL
		if len(body) < wire.ItemHeaderWireLen {
			http.Error(w, "short GET answer from storage", http.StatusBadGateway)
			return
		}
		payload := body[wire.ItemHeaderWireLen:]
		if cmn.CRC32(payload) != parsed.CRC {
			http.Error(w, "crc mismatch", http.StatusBadGateway)
			return
		}
		w.Write(payload)
	case wire.StatusNotFound:
		http.NotFound(w, r)
	default:
		http.Error(w, ans.Status.String(), http.StatusBadGateway)
	}
}

func allErrored(task *pool.ItemInfoTask) bool {
	for _, a := range task.Answers() {
		if a.Status != wire.StatusError {
			return false
		}
	}
	return true
}

// encodeGetRequest builds GET's request payload, an ItemHeader followed by
// an ItemPointer (spec §6's wire table); the storage resolves the
// authoritative current pointer itself via its own key index rather than
// trusting this one (see internal/storagesvc's doGet and DESIGN.md), so a
// zero ItemPointer is sent as a format placeholder.
func encodeGetRequest(h *cmn.ItemHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(wire.ItemHeaderWireLen + wire.ItemPointerWireLen)
	wire.EncodeItemHeader(&buf, h)
	wire.EncodeItemPointer(&buf, cmn.ItemPointer{})
	return buf.Bytes()
}
