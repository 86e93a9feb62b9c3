// Package wire implements the Metis storage binary protocol (spec §6):
// little-endian, packed StorageCmd/StorageAnswer frames, ItemHeader/
// ItemPointer encoding, and the index-chunk framing word used by the
// rebuild/catch-up (SYNC_NEXT) path.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/carriercomm/metis/internal/cmn"
)

// Cmd identifies a storage command (spec §6 table).
type Cmd uint8

const (
	CmdNone     Cmd = 0
	CmdItemInfo Cmd = 1
	CmdGet      Cmd = 2
	CmdPut      Cmd = 3
	CmdDelete   Cmd = 4
	CmdPing     Cmd = 5
	CmdSyncNext Cmd = 6
)

func (c Cmd) String() string {
	switch c {
	case CmdNone:
		return "NO_CMD"
	case CmdItemInfo:
		return "ITEM_INFO"
	case CmdGet:
		return "GET"
	case CmdPut:
		return "PUT"
	case CmdDelete:
		return "DELETE"
	case CmdPing:
		return "PING"
	case CmdSyncNext:
		return "SYNC_NEXT"
	default:
		return fmt.Sprintf("CMD(%d)", uint8(c))
	}
}

// Status is a StorageAnswer's outcome code.
type Status uint8

const (
	StatusOK       Status = 0
	StatusError    Status = 1
	StatusNotFound Status = 2
	StatusNoSpace  Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusNoSpace:
		return "NO_SPACE"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// StorageCmd is the 5-byte request frame header: cmd + payload length.
type StorageCmd struct {
	Cmd  Cmd
	Size uint32
}

// StorageAnswer is the 5-byte response frame header: status + payload
// length.
type StorageAnswer struct {
	Status Status
	Size   uint32
}

const (
	storageCmdWireLen    = 5
	storageAnswerWireLen = 5

	// StorageCmdWireLen and StorageAnswerWireLen are the exported aliases
	// callers outside this package (internal/pool) need to locate an
	// answer's payload within a decode buffer.
	StorageCmdWireLen    = storageCmdWireLen
	StorageAnswerWireLen = storageAnswerWireLen

	// ItemHeaderWireLen is the on-disk/on-wire size of an encoded
	// ItemHeader (1+1+1+1+8+4+4+4 bytes).
	ItemHeaderWireLen = 1 + 1 + 1 + 1 + 8 + 4 + 4 + 4

	// ItemPointerWireLen is the on-disk size of an encoded ItemPointer.
	ItemPointerWireLen = 4 + 4

	// PacketFinishedFlag marks the high bit of an index-chunk frame length
	// word to say "this is the last chunk of the slice" (spec §4.2, §6).
	PacketFinishedFlag uint32 = 0x8000_0000
	packetLengthMask   uint32 = ^PacketFinishedFlag
)

// WriteStorageCmd appends the 5-byte command header to w.
func WriteStorageCmd(w io.Writer, c StorageCmd) error {
	var buf [storageCmdWireLen]byte
	buf[0] = byte(c.Cmd)
	binary.LittleEndian.PutUint32(buf[1:], c.Size)
	_, err := w.Write(buf[:])
	return err
}

// ReadStorageCmd reads a 5-byte command header from r.
func ReadStorageCmd(r io.Reader) (StorageCmd, error) {
	var buf [storageCmdWireLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return StorageCmd{}, err
	}
	return StorageCmd{
		Cmd:  Cmd(buf[0]),
		Size: binary.LittleEndian.Uint32(buf[1:]),
	}, nil
}

// WriteStorageAnswer appends the 5-byte answer header to w.
func WriteStorageAnswer(w io.Writer, a StorageAnswer) error {
	var buf [storageAnswerWireLen]byte
	buf[0] = byte(a.Status)
	binary.LittleEndian.PutUint32(buf[1:], a.Size)
	_, err := w.Write(buf[:])
	return err
}

// ReadStorageAnswer reads a 5-byte answer header from r.
func ReadStorageAnswer(r io.Reader) (StorageAnswer, error) {
	var buf [storageAnswerWireLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return StorageAnswer{}, err
	}
	return StorageAnswer{
		Status: Status(buf[0]),
		Size:   binary.LittleEndian.Uint32(buf[1:]),
	}, nil
}

// DecodeStorageAnswer parses a StorageAnswer header out of buf without
// consuming it, along with whether buf currently holds the complete framed
// answer (header + declared payload). Per spec §9's Open Question, the
// completeness check is `need <= len(buf)`: the answer is complete once the
// buffer holds the header plus the full declared body; bytes past that
// point are not part of this answer. The reversed comparison would report
// a partially received body as complete.
func DecodeStorageAnswer(buf []byte) (sa StorageAnswer, complete bool, ok bool) {
	if len(buf) < storageAnswerWireLen {
		return StorageAnswer{}, false, false
	}
	sa = StorageAnswer{
		Status: Status(buf[0]),
		Size:   binary.LittleEndian.Uint32(buf[1:storageAnswerWireLen]),
	}
	need := storageAnswerWireLen + int(sa.Size)
	return sa, need <= len(buf), true
}

// EncodeItemHeader writes h's stable binary layout to w.
func EncodeItemHeader(w io.Writer, h *cmn.ItemHeader) error {
	var buf [ItemHeaderWireLen]byte
	buf[0] = h.Status
	buf[1] = h.Reserved
	buf[2] = h.Level
	buf[3] = h.SubLevel
	binary.LittleEndian.PutUint64(buf[4:12], h.ItemKey)
	binary.LittleEndian.PutUint32(buf[12:16], h.TimeTag.ModTime)
	binary.LittleEndian.PutUint32(buf[16:20], h.TimeTag.Op)
	binary.LittleEndian.PutUint32(buf[20:24], h.Size)
	_, err := w.Write(buf[:])
	return err
}

// DecodeItemHeader parses an ItemHeader from buf, which must be at least
// ItemHeaderWireLen bytes.
func DecodeItemHeader(buf []byte) (*cmn.ItemHeader, error) {
	if len(buf) < ItemHeaderWireLen {
		return nil, fmt.Errorf("short item header: %d bytes", len(buf))
	}
	return &cmn.ItemHeader{
		Status:   buf[0],
		Reserved: buf[1],
		Level:    buf[2],
		SubLevel: buf[3],
		ItemKey:  binary.LittleEndian.Uint64(buf[4:12]),
		TimeTag: cmn.TimeTag{
			ModTime: binary.LittleEndian.Uint32(buf[12:16]),
			Op:      binary.LittleEndian.Uint32(buf[16:20]),
		},
		Size: binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// ReadItemHeader reads and decodes one ItemHeader from r.
func ReadItemHeader(r io.Reader) (*cmn.ItemHeader, error) {
	buf := make([]byte, ItemHeaderWireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return DecodeItemHeader(buf)
}

// EncodeItemPointer writes p's binary layout to w.
func EncodeItemPointer(w io.Writer, p cmn.ItemPointer) error {
	var buf [ItemPointerWireLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], p.SliceID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Seek)
	_, err := w.Write(buf[:])
	return err
}

// DecodeItemPointer parses an ItemPointer from buf.
func DecodeItemPointer(buf []byte) (cmn.ItemPointer, error) {
	if len(buf) < ItemPointerWireLen {
		return cmn.ItemPointer{}, fmt.Errorf("short item pointer: %d bytes", len(buf))
	}
	return cmn.ItemPointer{
		SliceID: binary.LittleEndian.Uint32(buf[0:4]),
		Seek:    binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ReadItemPointer reads and decodes one ItemPointer from r.
func ReadItemPointer(r io.Reader) (cmn.ItemPointer, error) {
	buf := make([]byte, ItemPointerWireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return cmn.ItemPointer{}, err
	}
	return DecodeItemPointer(buf)
}

// IndexRecordWireLen is the size of one (ItemPointer, ItemHeader) index
// file record (spec §3 "Index file").
const IndexRecordWireLen = ItemPointerWireLen + ItemHeaderWireLen

// EncodeIndexRecord appends one index-file record to w.
func EncodeIndexRecord(w io.Writer, p cmn.ItemPointer, h *cmn.ItemHeader) error {
	if err := EncodeItemPointer(w, p); err != nil {
		return err
	}
	return EncodeItemHeader(w, h)
}

// DecodeIndexRecord parses one (ItemPointer, ItemHeader) record from buf.
func DecodeIndexRecord(buf []byte) (cmn.ItemPointer, *cmn.ItemHeader, error) {
	if len(buf) < IndexRecordWireLen {
		return cmn.ItemPointer{}, nil, fmt.Errorf("short index record: %d bytes", len(buf))
	}
	p, err := DecodeItemPointer(buf[:ItemPointerWireLen])
	if err != nil {
		return cmn.ItemPointer{}, nil, err
	}
	h, err := DecodeItemHeader(buf[ItemPointerWireLen:IndexRecordWireLen])
	if err != nil {
		return cmn.ItemPointer{}, nil, err
	}
	return p, h, nil
}

// FrameChunk prefixes payload with the 4-byte length word described in
// spec §4.2/§6: the low 31 bits carry len(payload), the high bit
// (PacketFinishedFlag) is set when finished is true (payload is the last
// chunk emitted for its slice).
func FrameChunk(payload []byte, finished bool) []byte {
	cmn.Assertf(uint32(len(payload))&PacketFinishedFlag == 0, "chunk payload too large to frame: %d bytes", len(payload))
	var out bytes.Buffer
	out.Grow(4 + len(payload))
	length := uint32(len(payload))
	if finished {
		length |= PacketFinishedFlag
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], length)
	out.Write(lenBuf[:])
	out.Write(payload)
	return out.Bytes()
}

// SyncCursor is the SYNC_NEXT request payload: where in a storage's slice
// set the caller last left off (spec §6 "SYNC_NEXT | cursor").
type SyncCursor struct {
	SliceID uint32
	Seek    uint32
}

// SyncCursorWireLen is the on-wire size of a SyncCursor.
const SyncCursorWireLen = 4 + 4

// EncodeSyncCursor writes c's binary layout to w.
func EncodeSyncCursor(w io.Writer, c SyncCursor) error {
	var buf [SyncCursorWireLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], c.SliceID)
	binary.LittleEndian.PutUint32(buf[4:8], c.Seek)
	_, err := w.Write(buf[:])
	return err
}

// DecodeSyncCursor parses a SyncCursor from buf.
func DecodeSyncCursor(buf []byte) (SyncCursor, error) {
	if len(buf) < SyncCursorWireLen {
		return SyncCursor{}, fmt.Errorf("short sync cursor: %d bytes", len(buf))
	}
	return SyncCursor{
		SliceID: binary.LittleEndian.Uint32(buf[0:4]),
		Seek:    binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// CapacitySnapshot is the PING answer payload (spec §6 "PING | — |
// capacity snapshot").
type CapacitySnapshot struct {
	Total uint64
	Free  uint64
}

// CapacitySnapshotWireLen is the on-wire size of a CapacitySnapshot.
const CapacitySnapshotWireLen = 8 + 8

// EncodeCapacitySnapshot writes s's binary layout to w.
func EncodeCapacitySnapshot(w io.Writer, s CapacitySnapshot) error {
	var buf [CapacitySnapshotWireLen]byte
	binary.LittleEndian.PutUint64(buf[0:8], s.Total)
	binary.LittleEndian.PutUint64(buf[8:16], s.Free)
	_, err := w.Write(buf[:])
	return err
}

// DecodeCapacitySnapshot parses a CapacitySnapshot from buf.
func DecodeCapacitySnapshot(buf []byte) (CapacitySnapshot, error) {
	if len(buf) < CapacitySnapshotWireLen {
		return CapacitySnapshot{}, fmt.Errorf("short capacity snapshot: %d bytes", len(buf))
	}
	return CapacitySnapshot{
		Total: binary.LittleEndian.Uint64(buf[0:8]),
		Free:  binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// UnframeChunk splits a framed chunk buffer into its payload and
// finished flag.
func UnframeChunk(framed []byte) (payload []byte, finished bool, err error) {
	if len(framed) < 4 {
		return nil, false, fmt.Errorf("short framed chunk: %d bytes", len(framed))
	}
	length := binary.LittleEndian.Uint32(framed[:4])
	finished = length&PacketFinishedFlag != 0
	payloadLen := length & packetLengthMask
	if uint32(len(framed)-4) != payloadLen {
		return nil, false, fmt.Errorf("framed chunk length mismatch: header says %d, have %d", payloadLen, len(framed)-4)
	}
	return framed[4:], finished, nil
}
