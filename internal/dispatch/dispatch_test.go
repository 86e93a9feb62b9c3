package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/rangeidx"
	"github.com/carriercomm/metis/internal/wire"
)

// fakeStorageNode is a minimal in-process stand-in for internal/storagesvc,
// just stateful enough to exercise the manager's dispatch path end to end:
// ITEM_INFO/PUT/GET against a tiny in-memory item table.
type fakeStorageNode struct {
	ln net.Listener

	mu    sync.Mutex
	items map[uint64]storedItem
}

type storedItem struct {
	header cmn.ItemHeader
	body   []byte
}

func newFakeStorageNode(t *testing.T) *fakeStorageNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeStorageNode{ln: ln, items: make(map[uint64]storedItem)}
	go fs.serve()
	return fs
}

func (fs *fakeStorageNode) addr() string { return fs.ln.Addr().String() }
func (fs *fakeStorageNode) close()       { fs.ln.Close() }

func (fs *fakeStorageNode) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.handle(conn)
	}
}

func (fs *fakeStorageNode) handle(conn net.Conn) {
	defer conn.Close()
	for {
		cmd, err := wire.ReadStorageCmd(conn)
		if err != nil {
			return
		}
		body := make([]byte, cmd.Size)
		if cmd.Size > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}
		status, ansBody := fs.dispatch(cmd.Cmd, body)
		if err := wire.WriteStorageAnswer(conn, wire.StorageAnswer{Status: status, Size: uint32(len(ansBody))}); err != nil {
			return
		}
		if len(ansBody) > 0 {
			if _, err := conn.Write(ansBody); err != nil {
				return
			}
		}
	}
}

func (fs *fakeStorageNode) dispatch(cmd wire.Cmd, body []byte) (wire.Status, []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch cmd {
	case wire.CmdItemInfo:
		req, err := wire.DecodeItemHeader(body)
		if err != nil {
			return wire.StatusError, nil
		}
		item, ok := fs.items[req.ItemKey]
		if !ok {
			return wire.StatusNotFound, nil
		}
		var out bytes.Buffer
		wire.EncodeItemHeader(&out, &item.header)
		return wire.StatusOK, out.Bytes()

	case wire.CmdPut:
		header, err := wire.DecodeItemHeader(body[:wire.ItemHeaderWireLen])
		if err != nil {
			return wire.StatusError, nil
		}
		payload := append([]byte(nil), body[wire.ItemHeaderWireLen:]...)
		fs.items[header.ItemKey] = storedItem{header: *header, body: payload}
		var out bytes.Buffer
		wire.EncodeItemPointer(&out, cmn.ItemPointer{SliceID: 1, Seek: 0})
		return wire.StatusOK, out.Bytes()

	case wire.CmdGet:
		if len(body) < wire.ItemHeaderWireLen {
			return wire.StatusError, nil
		}
		req, err := wire.DecodeItemHeader(body[:wire.ItemHeaderWireLen])
		if err != nil {
			return wire.StatusError, nil
		}
		item, ok := fs.items[req.ItemKey]
		if !ok {
			return wire.StatusNotFound, nil
		}
		// like storagesvc's doGet: the stored header followed by the payload
		var out bytes.Buffer
		wire.EncodeItemHeader(&out, &item.header)
		out.Write(item.body)
		return wire.StatusOK, out.Bytes()

	default:
		return wire.StatusError, nil
	}
}

func newTestHandler(t *testing.T) (*Handler, *rangeidx.Manager, *rangeidx.ScribbleStore, *fakeStorageNode, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "metis-dispatch-")
	if err != nil {
		t.Fatal(err)
	}
	store, err := rangeidx.OpenScribbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	fs := newFakeStorageNode(t)

	const rangeSize = uint64(1 << 20)
	if err := store.PutRange(1, 0, 0, rangeidx.RangeRow{
		RangeID: 1,
		Storages: []rangeidx.StorageRow{
			{ID: 1, Addr: fs.addr(), CapacityTotal: 1 << 30, CapacityFree: 1 << 30, Status: uint8(rangeidx.StorageOK)},
		},
	}); err != nil {
		t.Fatal(err)
	}

	mgr := rangeidx.NewManager(store)
	if err := mgr.CreateLevel(1, 0, rangeSize); err != nil {
		t.Fatal(err)
	}

	cfg := cmn.DefaultConfig()
	cfg.Workers = 2
	cfg.QueueLen = 4
	cfg.MinDiskFree = 0
	cfg.CommandTimeout = 2 * time.Second

	h := New(cfg, mgr)
	cleanup := func() {
		fs.close()
		os.RemoveAll(dir)
	}
	return h, mgr, store, fs, cleanup
}

func itemPath(itemKey uint64, payload []byte) string {
	return fmt.Sprintf("/1/0/%x.%x", itemKey, cmn.CRC32(payload))
}

func TestPutThenGet(t *testing.T) {
	h, _, _, _, cleanup := newTestHandler(t)
	defer cleanup()
	srv := httptest.NewServer(h)
	defer srv.Close()

	payload := []byte("hello metis")
	path := itemPath(0x2a, payload)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+path, bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
	got, _ := io.ReadAll(getResp.Body)
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestGetMissingIs404(t *testing.T) {
	h, _, _, _, cleanup := newTestHandler(t)
	defer cleanup()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + itemPath(0x99, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPutCRCMismatchIsBadRequest(t *testing.T) {
	h, _, _, _, cleanup := newTestHandler(t)
	defer cleanup()
	srv := httptest.NewServer(h)
	defer srv.Close()

	payload := []byte("hello")
	path := fmt.Sprintf("/1/0/%x.%x", uint64(0x30), cmn.CRC32([]byte("nope"))) // wrong crc
	req, _ := http.NewRequest(http.MethodPut, srv.URL+path, bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetRangeMissIsServiceUnavailable(t *testing.T) {
	h, _, _, _, cleanup := newTestHandler(t)
	defer cleanup()
	srv := httptest.NewServer(h)
	defer srv.Close()

	// item_key far beyond the one range_index (0) seeded by newTestHandler
	// resolves to a range the metadata store was never given a row for:
	// spec §7's "Metadata-store unreachable (Range miss)" -> 503.
	resp, err := http.Get(srv.URL + itemPath(uint64(1)<<40, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestPutRangeMissIsServiceUnavailable(t *testing.T) {
	h, _, _, _, cleanup := newTestHandler(t)
	defer cleanup()
	srv := httptest.NewServer(h)
	defer srv.Close()

	payload := []byte("hello")
	path := itemPath(uint64(1)<<40, payload)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+path, bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestMkcolThenResolveSucceeds(t *testing.T) {
	dir, err := os.MkdirTemp("", "metis-dispatch-mkcol-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	store, err := rangeidx.OpenScribbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	mgr := rangeidx.NewManager(store)
	cfg := cmn.DefaultConfig()
	cfg.Workers, cfg.QueueLen = 1, 1
	h := New(cfg, mgr)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest("MKCOL", srv.URL+"/2/0", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	// a level created via MKCOL must be durable across a fresh Manager
	// loading from the same store (spec §4.6 "create... via the external
	// metadata store").
	reloaded := rangeidx.NewManager(store)
	if err := reloaded.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.Find(2, 0); !ok {
		t.Fatal("expected level (2,0) to survive a reload from the metadata store")
	}

	// a second MKCOL for the same level must conflict.
	req2, _ := http.NewRequest("MKCOL", srv.URL+"/2/0", nil)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate MKCOL, got %d", resp2.StatusCode)
	}
}
