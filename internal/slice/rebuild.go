package slice

import (
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/wire"
	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
	"golang.org/x/sync/errgroup"
)

// rebuildAll discovers every slice_id present in data/ and, for each one
// whose index is missing, short, or inconsistent with the data file,
// rescans the data file sequentially and rewrites a matching index (spec
// §4.2 "Rebuild from data"). Slices are scanned in parallel — one
// goroutine per slice id, bounded by GOMAXPROCS via errgroup — mirroring
// the parallel-walk idiom the teacher uses for mountpath scans
// (fs/walk.go), since spec §1 calls out "a parallel rebuild-from-data
// index" as one of the two places the real engineering lives.
func (m *Manager) rebuildAll() error {
	ids, err := listSliceIDs(m.dataDir)
	if err != nil {
		return err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pairs := make([]*Pair, len(ids))
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			pair, err := OpenPair(m.dataDir, m.indexDir, id, m.fsync)
			if err != nil {
				return err
			}
			if err := rebuildOne(pair); err != nil {
				return err
			}
			pairs[i] = pair
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, id := range ids {
		m.pairs[id] = pairs[i]
		m.order = append(m.order, id)
		if id >= m.nextID {
			m.nextID = id + 1
		}
		if pairs[i].DataSize() >= m.maxSliceSize {
			pairs[i].MarkFull()
		}
		recs, err := pairs[i].AllIndexRecords()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			h := rec.Header
			m.updateKeyIndex(rec.Ptr, &h)
		}
	}
	return nil
}

// listSliceIDs returns the slice_ids present in dataDir (decimal file
// names, per spec §6 on-disk layout), using godirwalk the way the teacher
// walks mountpath directories (fs/walk.go).
func listSliceIDs(dataDir string) ([]uint32, error) {
	var ids []uint32
	err := godirwalk.Walk(dataDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == dataDir {
				return nil
			}
			if de.IsDir() {
				return godirwalk.SkipThis
			}
			id, err := strconv.ParseUint(de.Name(), 10, 32)
			if err != nil {
				glog.Warningf("slice rebuild: skipping non-numeric data file %q", de.Name())
				return nil
			}
			ids = append(ids, uint32(id))
			return nil
		},
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

// rebuildOne checks a single slice pair's index against its data file and
// rewrites the index from scratch if it is missing, short, or otherwise
// inconsistent.
func rebuildOne(pair *Pair) error {
	valid, dataGoodLen, recordCount, err := verifyIndex(pair)
	if err == nil && valid {
		return nil
	}
	if err != nil {
		glog.Warningf("slice %d: index verification failed (%v), rebuilding from data", pair.ID(), err)
	} else {
		glog.Warningf("slice %d: index inconsistent with data (have %d records), rebuilding from data", pair.ID(), recordCount)
	}
	return rebuildIndexFromData(pair, dataGoodLen)
}

// verifyIndex scans the data file sequentially, counting valid headers and
// the byte offset through which the data file is well-formed, and compares
// that count against the number of records already in the index file. It
// returns valid=true only when the index already has exactly one record
// per valid data-file header and the data file has no trailing partial
// record.
func verifyIndex(pair *Pair) (valid bool, dataGoodLen int64, dataRecordCount int, err error) {
	dataRecordCount, dataGoodLen, truncated, err := scanDataFile(pair.dataPath)
	if err != nil {
		return false, 0, 0, err
	}
	indexInfo, err := os.Stat(pair.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, dataGoodLen, dataRecordCount, nil
		}
		return false, dataGoodLen, dataRecordCount, err
	}
	indexRecords := indexInfo.Size() / int64(wire.IndexRecordWireLen)
	if indexInfo.Size()%int64(wire.IndexRecordWireLen) != 0 {
		return false, dataGoodLen, dataRecordCount, nil
	}
	if truncated {
		return false, dataGoodLen, dataRecordCount, nil
	}
	return int(indexRecords) == dataRecordCount, dataGoodLen, dataRecordCount, nil
}

// scanDataFile walks a data file header-by-header, returning the number of
// complete (header+payload) records found, the byte length through which
// the file is well-formed, and whether a trailing partial record was
// found and excluded.
func scanDataFile(dataPath string) (count int, goodLen int64, truncated bool, err error) {
	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, false, err
	}
	total := info.Size()

	var offset int64
	headerBuf := make([]byte, wire.ItemHeaderWireLen)
	for offset < total {
		if total-offset < int64(wire.ItemHeaderWireLen) {
			return count, offset, true, nil
		}
		if _, err := f.ReadAt(headerBuf, offset); err != nil && err != io.EOF {
			return count, offset, true, nil
		}
		header, err := wire.DecodeItemHeader(headerBuf)
		if err != nil {
			return count, offset, true, nil
		}
		recordLen := int64(wire.ItemHeaderWireLen) + int64(header.Size)
		if total-offset < recordLen {
			return count, offset, true, nil
		}
		offset += recordLen
		count++
	}
	return count, offset, false, nil
}

// rebuildIndexFromData truncates the data file to dataGoodLen (discarding
// any trailing partial record, spec §4.2) and replays every valid header
// in it into a fresh index file.
func rebuildIndexFromData(pair *Pair, dataGoodLen int64) error {
	if err := pair.truncateData(dataGoodLen); err != nil {
		return err
	}
	if err := os.Truncate(pair.indexPath, 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	pair.mu.Lock()
	pair.indexSize = 0
	pair.mu.Unlock()

	f, err := os.Open(pair.dataPath)
	if err != nil {
		return err
	}
	defer f.Close()

	headerBuf := make([]byte, wire.ItemHeaderWireLen)
	var offset int64
	var rebuilt int
	for offset < dataGoodLen {
		if _, err := f.ReadAt(headerBuf, offset); err != nil {
			return err
		}
		header, err := wire.DecodeItemHeader(headerBuf)
		if err != nil {
			return err
		}
		ptr := cmn.ItemPointer{SliceID: pair.ID(), Seek: uint32(offset)}
		if err := pair.appendIndexRecordRaw(ptr, header); err != nil {
			return err
		}
		offset += int64(wire.ItemHeaderWireLen) + int64(header.Size)
		rebuilt++
	}
	glog.Infof("slice %d: rebuilt index with %d records", pair.ID(), rebuilt)
	return nil
}
