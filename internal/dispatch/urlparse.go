// Package dispatch implements the manager's HTTP entry point (spec §4.6):
// parsing the URL grammar into an item key/CRC, resolving the item's Range
// via internal/rangeidx, and driving PUT/GET/MKCOL through
// internal/pool's command fan-out. Grounded on dfc/proxy.go's
// method-switch handler shape, wrapped in a jogger-style fixed worker pool
// (ec/putjogger.go's idiom, reused a third time in this tree) so each
// worker owns its own internal/pool.Pool rather than sharing one across
// goroutines (spec §5 "workers own their pools").
package dispatch

import (
	"fmt"
	"strconv"

	"github.com/carriercomm/metis/internal/cmn"
)

// ParsedURL is what spec §6's URL grammar
// (`/<level>/<sub_level>/<item_key_hex>.<crc_hex>`) yields: enough of an
// ItemHeader to resolve a Range, plus the content CRC carried alongside it
// for PUT/GET integrity checks (grounded on
// original_source/manager/webdav.hpp's ManagerWebDavInterface::_put, which
// parses the same path shape before dispatch; the WebDAV XML machinery
// around it is out of scope).
type ParsedURL struct {
	Level    uint8
	SubLevel uint8
	ItemKey  uint64
	CRC      uint32
}

// ParseItemPath parses a request path of the form
// "/<level>/<sub_level>/<item_key_hex>.<crc_hex>" (cmn.SplitPath has
// already stripped the leading slash and any empty components).
func ParseItemPath(path string) (ParsedURL, error) {
	items := cmn.SplitPath(path)
	if len(items) != 3 {
		return ParsedURL{}, fmt.Errorf("expected /<level>/<sub_level>/<item_key>.<crc>, got %d path components", len(items))
	}
	level, err := parseUint8(items[0])
	if err != nil {
		return ParsedURL{}, fmt.Errorf("invalid level %q: %w", items[0], err)
	}
	subLevel, err := parseUint8(items[1])
	if err != nil {
		return ParsedURL{}, fmt.Errorf("invalid sub_level %q: %w", items[1], err)
	}
	keyPart, crcPart, err := splitKeyAndCRC(items[2])
	if err != nil {
		return ParsedURL{}, err
	}
	itemKey, err := strconv.ParseUint(keyPart, 16, 64)
	if err != nil {
		return ParsedURL{}, fmt.Errorf("invalid item_key %q: %w", keyPart, err)
	}
	crc, err := strconv.ParseUint(crcPart, 16, 32)
	if err != nil {
		return ParsedURL{}, fmt.Errorf("invalid crc %q: %w", crcPart, err)
	}
	return ParsedURL{
		Level:    level,
		SubLevel: subLevel,
		ItemKey:  itemKey,
		CRC:      uint32(crc),
	}, nil
}

var errLevelPathShape = fmt.Errorf("expected /<level>/<sub_level>")

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// splitKeyAndCRC splits "<item_key_hex>.<crc_hex>" on the last dot.
func splitKeyAndCRC(s string) (key, crc string, err error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected <item_key_hex>.<crc_hex>, got %q", s)
}

// ToItemHeader builds the ItemHeader this URL addresses: the key triple
// only, with TimeTag, Size and Status left zero (PUT/DELETE's caller fills
// ModTime/Op; GET/ITEM_INFO only need the key triple).
func (u ParsedURL) ToItemHeader() cmn.ItemHeader {
	return cmn.ItemHeader{
		Level:    u.Level,
		SubLevel: u.SubLevel,
		ItemKey:  u.ItemKey,
	}
}
