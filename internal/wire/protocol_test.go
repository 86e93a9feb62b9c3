package wire

import (
	"bytes"
	"testing"

	"github.com/carriercomm/metis/internal/cmn"
)

func TestItemHeaderRoundTrip(t *testing.T) {
	h := &cmn.ItemHeader{
		Status:   cmn.StatusNone,
		Level:    1,
		SubLevel: 2,
		ItemKey:  0xdeadbeef,
		TimeTag:  cmn.TimeTag{ModTime: 111, Op: 3},
		Size:     4,
	}
	var buf bytes.Buffer
	if err := EncodeItemHeader(&buf, h); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.Len() != ItemHeaderWireLen {
		t.Fatalf("expected %d bytes, got %d", ItemHeaderWireLen, buf.Len())
	}
	got, err := DecodeItemHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestStorageCmdAndAnswerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmdIn := StorageCmd{Cmd: CmdPut, Size: 42}
	if err := WriteStorageCmd(&buf, cmdIn); err != nil {
		t.Fatal(err)
	}
	cmdOut, err := ReadStorageCmd(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if cmdOut != cmdIn {
		t.Fatalf("got %+v, want %+v", cmdOut, cmdIn)
	}

	buf.Reset()
	ansIn := StorageAnswer{Status: StatusNoSpace, Size: 0}
	if err := WriteStorageAnswer(&buf, ansIn); err != nil {
		t.Fatal(err)
	}
	ansOut, err := ReadStorageAnswer(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if ansOut != ansIn {
		t.Fatalf("got %+v, want %+v", ansOut, ansIn)
	}
}

func TestDecodeStorageAnswerCompleteness(t *testing.T) {
	var hdr bytes.Buffer
	WriteStorageAnswer(&hdr, StorageAnswer{Status: StatusOK, Size: 10})
	header := hdr.Bytes()

	// Not enough body yet: incomplete.
	partial := append(append([]byte{}, header...), make([]byte, 5)...)
	sa, complete, ok := DecodeStorageAnswer(partial)
	if !ok {
		t.Fatal("expected header to parse")
	}
	if complete {
		t.Fatal("expected incomplete with partial body")
	}
	if sa.Size != 10 {
		t.Fatalf("got size %d", sa.Size)
	}

	// Exactly enough body: complete.
	full := append(append([]byte{}, header...), make([]byte, 10)...)
	_, complete, ok = DecodeStorageAnswer(full)
	if !ok || !complete {
		t.Fatalf("expected complete, got complete=%v ok=%v", complete, ok)
	}
}

func TestFrameChunkRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	framed := FrameChunk(payload, true)
	got, finished, err := UnframeChunk(framed)
	if err != nil {
		t.Fatal(err)
	}
	if !finished {
		t.Fatal("expected finished flag set")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	framed2 := FrameChunk(payload, false)
	_, finished2, err := UnframeChunk(framed2)
	if err != nil {
		t.Fatal(err)
	}
	if finished2 {
		t.Fatal("expected finished flag clear")
	}
}

// Idempotence: framing the same payload twice produces identical output
// (spec §8 invariant on load_index).
func TestFrameChunkIdempotent(t *testing.T) {
	payload := []byte("repeat me")
	a := FrameChunk(payload, true)
	b := FrameChunk(payload, true)
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical framed output for identical input")
	}
}
