package dispatch

import (
	"net/http"

	"github.com/carriercomm/metis/internal/cmn"
)

// httpmkcol implements spec §4.6's MKCOL: an administrative create of a
// new (level, sub_level) combination via the external metadata store,
// registered with the in-process rangeidx.Manager so subsequent PUT/GET
// dispatch can resolve it immediately. Grounded on ais/prxtxn.go's
// create-bucket flow, trimmed to a single metadata-store write — this
// spec's MKCOL has no cluster-wide two-phase commit to coordinate.
func (h *Handler) httpmkcol(w http.ResponseWriter, r *http.Request) {
	parsed, err := parseLevelPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := h.mgr.Find(parsed.Level, parsed.SubLevel); ok {
		http.Error(w, "level already exists", http.StatusConflict)
		return
	}
	if err := h.mgr.CreateLevel(parsed.Level, parsed.SubLevel, h.cfg.RangeSize); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type levelPath struct {
	Level    uint8
	SubLevel uint8
}

// parseLevelPath parses MKCOL's "/<level>/<sub_level>" path, a prefix of
// the full item-path grammar with no item_key/crc suffix.
func parseLevelPath(path string) (levelPath, error) {
	items := cmn.SplitPath(path)
	if len(items) != 2 {
		return levelPath{}, errLevelPathShape
	}
	level, err := parseUint8(items[0])
	if err != nil {
		return levelPath{}, err
	}
	subLevel, err := parseUint8(items[1])
	if err != nil {
		return levelPath{}, err
	}
	return levelPath{Level: level, SubLevel: subLevel}, nil
}
