// Package slice implements the storage slice engine (spec §4.1, §4.2): a
// pair of append-only data/index files per slice_id, the manager that owns
// a directory of such pairs, free-space accounting, and rebuild-from-data.
package slice

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/wire"
	"github.com/golang/glog"
)

// Pair is one slice_id's data+index file pair (spec §3 "Slice pair", §4.1).
// add is serialized with respect to itself by mu, matching §4.2's "The
// method must be serialized with respect to itself on a given slice (a
// mutex over the slice's write state)"; independent Pairs may be written
// concurrently (spec §5).
type Pair struct {
	mu sync.Mutex

	id        uint32
	dataPath  string
	indexPath string

	dataW  *os.File // append-only
	indexW *os.File // append-only
	dataR  *os.File // positional reads

	dataSize  int64 // == next write's seek offset
	indexSize int64 // bytes currently in index file
	full      bool  // closed for writes, still readable (spec §4.1)
	fsync     bool  // write-through policy (spec §4.3 "fsync policy is a configuration knob")
}

// OpenPair opens (creating if absent) the data/index files for id under
// dataDir/indexDir. fsync controls whether Append durably syncs each write
// before returning (write-through) or relies on the OS page cache.
func OpenPair(dataDir, indexDir string, id uint32, fsync bool) (*Pair, error) {
	dataPath := filepathJoin(dataDir, id)
	indexPath := filepathJoin(indexDir, id)

	dataW, err := os.OpenFile(dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open data file %s: %w", dataPath, err)
	}
	indexW, err := os.OpenFile(indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		dataW.Close()
		return nil, fmt.Errorf("open index file %s: %w", indexPath, err)
	}
	dataR, err := os.Open(dataPath)
	if err != nil {
		dataW.Close()
		indexW.Close()
		return nil, fmt.Errorf("open data file for reading %s: %w", dataPath, err)
	}

	dataInfo, err := dataW.Stat()
	if err != nil {
		return nil, err
	}
	indexInfo, err := indexW.Stat()
	if err != nil {
		return nil, err
	}

	return &Pair{
		id:        id,
		dataPath:  dataPath,
		indexPath: indexPath,
		dataW:     dataW,
		indexW:    indexW,
		dataR:     dataR,
		dataSize:  dataInfo.Size(),
		indexSize: indexInfo.Size(),
		fsync:     fsync,
	}, nil
}

func filepathJoin(dir string, id uint32) string {
	return fmt.Sprintf("%s/%d", dir, id)
}

// ID returns this pair's slice_id.
func (p *Pair) ID() uint32 { return p.id }

// DataSize returns the current length of the data file.
func (p *Pair) DataSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataSize
}

// Full reports whether this slice has been closed for further writes
// (spec §4.1 "once appending the next item would exceed it, the slice is
// closed for writes").
func (p *Pair) Full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.full
}

// MarkFull closes the pair for writes without affecting readability.
func (p *Pair) MarkFull() {
	p.mu.Lock()
	p.full = true
	p.mu.Unlock()
}

// Append writes header+payload to the data file and a matching
// (ItemPointer, ItemHeader) record to the index file, per §4.1's write
// sequence: reserve seek, write data, write index, return pointer.
func (p *Pair) Append(header *cmn.ItemHeader, payload []byte) (cmn.ItemPointer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.full {
		return cmn.ItemPointer{}, fmt.Errorf("slice %d is closed for writes", p.id)
	}

	seek := p.dataSize
	cmn.Assertf(seek >= 0 && seek <= 1<<32-1, "slice %d data file too large for a 32-bit seek", p.id)
	ptr := cmn.ItemPointer{SliceID: p.id, Seek: uint32(seek)}

	if err := wire.EncodeItemHeader(p.dataW, header); err != nil {
		return cmn.ItemPointer{}, err
	}
	if len(payload) > 0 {
		if _, err := p.dataW.Write(payload); err != nil {
			return cmn.ItemPointer{}, err
		}
	}
	if p.fsync {
		if err := p.dataW.Sync(); err != nil {
			return cmn.ItemPointer{}, err
		}
	}
	p.dataSize += int64(wire.ItemHeaderWireLen) + int64(len(payload))

	if err := wire.EncodeIndexRecord(p.indexW, ptr, header); err != nil {
		return cmn.ItemPointer{}, err
	}
	if p.fsync {
		if err := p.indexW.Sync(); err != nil {
			return cmn.ItemPointer{}, err
		}
	}
	p.indexSize += int64(wire.IndexRecordWireLen)

	return ptr, nil
}

// Read performs a positional read of header+payload starting at seek,
// returning the full header+payload bytes (spec §4.1 "Reads take
// (pointer, size) and perform a positional read").
func (p *Pair) Read(seek uint32, payloadSize uint32) ([]byte, error) {
	total := int64(wire.ItemHeaderWireLen) + int64(payloadSize)
	buf := make([]byte, total)
	if _, err := p.dataR.ReadAt(buf, int64(seek)); err != nil {
		return nil, fmt.Errorf("read slice %d at %d: %w", p.id, seek, err)
	}
	return buf, nil
}

// ReadIndexChunk reads up to maxBytes of raw index-record bytes starting at
// byte offset seek, rounded down to the nearest whole record boundary, for
// the load_index/SYNC_NEXT catch-up protocol (spec §4.2). It reports the
// number of bytes read and whether the chunk reaches the end of this
// slice's index file (i.e. the slice's last-chunk flag, spec §6).
func (p *Pair) ReadIndexChunk(seek int64, maxBytes int) (chunk []byte, newSeek int64, finished bool, err error) {
	p.mu.Lock()
	indexSize := p.indexSize
	p.mu.Unlock()

	if seek >= indexSize {
		return nil, seek, true, nil
	}
	remaining := indexSize - seek
	want := int64(maxBytes)
	if want > remaining {
		want = remaining
	}
	// round down to a whole-record boundary so callers never see a
	// truncated (ItemPointer, ItemHeader) record
	want -= want % int64(wire.IndexRecordWireLen)
	if want == 0 {
		want = int64(wire.IndexRecordWireLen)
		if want > remaining {
			want = remaining
		}
	}

	buf := make([]byte, want)
	n, err := readFileAt(p.indexPath, buf, seek)
	if err != nil && err != io.EOF {
		return nil, seek, false, err
	}
	newSeek = seek + int64(n)
	finished = newSeek >= indexSize
	return buf[:n], newSeek, finished, nil
}

func readFileAt(path string, buf []byte, off int64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(buf, off)
}

// IndexRecord pairs the ItemPointer and ItemHeader recorded together for
// one write (spec §3 "Index file").
type IndexRecord struct {
	Ptr    cmn.ItemPointer
	Header cmn.ItemHeader
}

// AllIndexRecords reads and decodes every record currently in this slice's
// index file, in append order. Used once at startup to hydrate the
// manager's in-memory key index (spec §4.3: ITEM_INFO/GET/DELETE carry
// only a key triple, so the storage node service needs its own
// key->current-record mapping to serve them).
func (p *Pair) AllIndexRecords() ([]IndexRecord, error) {
	p.mu.Lock()
	size := p.indexSize
	p.mu.Unlock()
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	n, err := readFileAt(p.indexPath, buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]

	var recs []IndexRecord
	for off := 0; off+wire.IndexRecordWireLen <= len(buf); off += wire.IndexRecordWireLen {
		ptr, h, err := wire.DecodeIndexRecord(buf[off : off+wire.IndexRecordWireLen])
		if err != nil {
			return nil, err
		}
		recs = append(recs, IndexRecord{Ptr: ptr, Header: *h})
	}
	return recs, nil
}

// Close releases the pair's open file descriptors.
func (p *Pair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{p.dataW, p.indexW, p.dataR} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// truncateData drops the data file to size bytes, discarding a trailing
// partial record found during rebuild (spec §4.2 "A trailing partial
// record in data... is discarded and the data file is truncated to the
// last good boundary").
func (p *Pair) truncateData(size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dataW.Truncate(size); err != nil {
		return err
	}
	p.dataSize = size
	glog.Warningf("slice %d: truncated data file to %d bytes (discarded trailing partial record)", p.id, size)
	return nil
}

// appendIndexRecordRaw is used only by rebuild to reconstruct an index
// file from a scan of the data file; it bypasses the normal Append path
// since the data file is not being written in this call.
func (p *Pair) appendIndexRecordRaw(ptr cmn.ItemPointer, h *cmn.ItemHeader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := wire.EncodeIndexRecord(p.indexW, ptr, h); err != nil {
		return err
	}
	if err := p.indexW.Sync(); err != nil {
		return err
	}
	p.indexSize += int64(wire.IndexRecordWireLen)
	return nil
}
