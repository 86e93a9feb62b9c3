package rangeidx

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	scribble "github.com/sdomino/scribble"
)

// LevelRow is one administratively-created (level, sub_level) combination
// as persisted in the external metadata store (spec §3 "Lifecycles...
// Ranges are created by an administrative flow").
type LevelRow struct {
	Level     uint8  `json:"level"`
	SubLevel  uint8  `json:"sub_level"`
	RangeSize uint64 `json:"range_size"`
}

// StorageRow is one StorageNode as persisted in the external metadata
// store.
type StorageRow struct {
	ID            uint32 `json:"id"`
	Addr          string `json:"addr"`
	CapacityTotal uint64 `json:"capacity_total"`
	CapacityFree  uint64 `json:"capacity_free"`
	Status        uint8  `json:"status"`
}

// RangeRow is one Range's metadata row as persisted in the external
// metadata store (spec §3 "Range").
type RangeRow struct {
	RangeID  uint64       `json:"range_id"`
	Storages []StorageRow `json:"storages"`
}

// MetadataStore is the external collaborator spec.md §1 names as
// out-of-scope: "the relational store used to persist range metadata".
// This repository still needs a concrete implementation to exercise §4.4
// end to end, so it defines this narrow interface plus a real embedded
// driver behind it (ScribbleStore, below) rather than stubbing it out.
type MetadataStore interface {
	// LoadLevels returns every administratively-created (level, sub_level)
	// combination known to the store.
	LoadLevels() ([]LevelRow, error)
	// AddLevel persists a newly created (level, sub_level) combination.
	AddLevel(row LevelRow) error
	// LoadRange fetches one range's metadata row by (level, sub_level,
	// range_index).
	LoadRange(level, subLevel uint8, rangeIndex uint64) (RangeRow, error)
}

// ScribbleStore is a MetadataStore backed by github.com/sdomino/scribble,
// an embedded JSON-document store, standing in for the relational store
// spec.md treats as an external collaborator (grounded on
// rajatrh-aistore/downloader/db.go's identical use of scribble as a
// lightweight persisted-document driver; see DESIGN.md).
type ScribbleStore struct {
	driver *scribble.Driver
}

const (
	collectionLevels = "levels"
	collectionRanges = "ranges"
)

// OpenScribbleStore opens (creating if absent) a scribble database rooted
// at dir.
func OpenScribbleStore(dir string) (*ScribbleStore, error) {
	driver, err := scribble.New(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata store %s: %w", dir, err)
	}
	return &ScribbleStore{driver: driver}, nil
}

func levelKey(level, subLevel uint8) string {
	return fmt.Sprintf("%d_%d", level, subLevel)
}

func rangeKey(level, subLevel uint8, rangeIndex uint64) string {
	return fmt.Sprintf("%d_%d_%d", level, subLevel, rangeIndex)
}

// LoadLevels lists every level document in the store.
func (s *ScribbleStore) LoadLevels() ([]LevelRow, error) {
	names, err := s.driver.ReadAll(collectionLevels)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	rows := make([]LevelRow, 0, len(names))
	for _, raw := range names {
		var row LevelRow
		if err := jsoniter.Unmarshal([]byte(raw), &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AddLevel persists a new level document, keyed by "<level>_<sub_level>".
func (s *ScribbleStore) AddLevel(row LevelRow) error {
	return s.driver.Write(collectionLevels, levelKey(row.Level, row.SubLevel), row)
}

// LoadRange fetches one range document, keyed by
// "<level>_<sub_level>_<range_index>".
func (s *ScribbleStore) LoadRange(level, subLevel uint8, rangeIndex uint64) (RangeRow, error) {
	var row RangeRow
	if err := s.driver.Read(collectionRanges, rangeKey(level, subLevel, rangeIndex), &row); err != nil {
		return RangeRow{}, fmt.Errorf("load range %d/%d/%d: %w", level, subLevel, rangeIndex, err)
	}
	return row, nil
}

// PutRange persists a range document — used by the administrative flow
// that creates ranges (out of scope for this repository's runtime path,
// but needed so ScribbleStore is round-trippable in tests).
func (s *ScribbleStore) PutRange(level, subLevel uint8, rangeIndex uint64, row RangeRow) error {
	return s.driver.Write(collectionRanges, rangeKey(level, subLevel, rangeIndex), row)
}

