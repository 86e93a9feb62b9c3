package pool

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/rangeidx"
	"github.com/carriercomm/metis/internal/wire"
)

// fakeStorage is a minimal in-process storage node speaking just enough of
// the wire protocol to drive CommandEvent/Pool/ItemInfoTask without a real
// internal/storagesvc.Server.
type fakeStorage struct {
	ln    net.Listener
	reply func(cmd wire.Cmd, header *cmn.ItemHeader, payload []byte) (wire.Status, []byte)
}

func newFakeStorage(t *testing.T, reply func(wire.Cmd, *cmn.ItemHeader, []byte) (wire.Status, []byte)) *fakeStorage {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeStorage{ln: ln, reply: reply}
	go fs.serve()
	return fs
}

func (fs *fakeStorage) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.handle(conn)
	}
}

func (fs *fakeStorage) handle(conn net.Conn) {
	defer conn.Close()
	for {
		cmdHeader, err := wire.ReadStorageCmd(conn)
		if err != nil {
			return
		}
		body := make([]byte, cmdHeader.Size)
		if cmdHeader.Size > 0 {
			if _, err := readFull(conn, body); err != nil {
				return
			}
		}
		var reqHeader *cmn.ItemHeader
		var payload []byte
		if len(body) >= wire.ItemHeaderWireLen {
			h, _ := wire.DecodeItemHeader(body[:wire.ItemHeaderWireLen])
			reqHeader = h
			payload = body[wire.ItemHeaderWireLen:]
		}
		status, ansBody := fs.reply(cmdHeader.Cmd, reqHeader, payload)
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

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (fs *fakeStorage) addr() string { return fs.ln.Addr().String() }
func (fs *fakeStorage) close()       { fs.ln.Close() }

func TestCommandEventSendRoundTrip(t *testing.T) {
	fs := newFakeStorage(t, func(cmd wire.Cmd, h *cmn.ItemHeader, payload []byte) (wire.Status, []byte) {
		if cmd != wire.CmdPing {
			t.Errorf("expected PING, got %s", cmd)
		}
		return wire.StatusOK, []byte("pong")
	})
	defer fs.close()

	node := rangeidx.NewStorageNode(1, fs.addr(), 100, 100, rangeidx.StorageOK)
	ev := newCommandEvent(node, time.Second)
	ans, body, err := ev.Send(time.Now().Add(time.Second), wire.CmdPing, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Status != wire.StatusOK || string(body) != "pong" {
		t.Fatalf("unexpected answer: %+v %q", ans, body)
	}
	if ev.State() != "READY" {
		t.Fatalf("expected READY, got %s", ev.State())
	}
}

func TestCommandEventSendRecoversFromPeerReset(t *testing.T) {
	fs := newFakeStorage(t, func(cmd wire.Cmd, h *cmn.ItemHeader, payload []byte) (wire.Status, []byte) {
		return wire.StatusOK, nil
	})
	defer fs.close()

	node := rangeidx.NewStorageNode(1, fs.addr(), 100, 100, rangeidx.StorageOK)
	ev := newCommandEvent(node, time.Second)

	// Warm the event with a real connection, then simulate "peer reset
	// between requests" (spec §8 scenario 6) by closing it out from under
	// the event without going through ev.Close().
	if _, _, err := ev.Send(time.Now().Add(time.Second), wire.CmdPing, nil, nil); err != nil {
		t.Fatal(err)
	}
	ev.conn.Close()

	ans, _, err := ev.Send(time.Now().Add(time.Second), wire.CmdPing, nil, nil)
	if err != nil {
		t.Fatalf("expected transparent reconnect-and-retry, got error: %v", err)
	}
	if ans.Status != wire.StatusOK {
		t.Fatalf("expected OK after recovery, got %s", ans.Status)
	}
}

func TestPoolGetPutRespectsCap(t *testing.T) {
	fs := newFakeStorage(t, func(cmd wire.Cmd, h *cmn.ItemHeader, payload []byte) (wire.Status, []byte) {
		return wire.StatusOK, nil
	})
	defer fs.close()
	node := rangeidx.NewStorageNode(1, fs.addr(), 100, 100, rangeidx.StorageOK)
	p := New(2, time.Second)

	ev1, err := p.Get(node)
	if err != nil {
		t.Fatal(err)
	}
	ev2, err := p.Get(node)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(node); err != cmn.ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted at cap, got %v", err)
	}

	if _, _, err := ev1.Send(time.Now().Add(time.Second), wire.CmdPing, nil, nil); err != nil {
		t.Fatal(err)
	}
	p.Put(ev1)

	ev3, err := p.Get(node)
	if err != nil {
		t.Fatal(err)
	}
	if ev3 != ev1 {
		t.Fatal("expected the freed event to be reused rather than a new allocation")
	}
	_ = ev2
}

func TestNewItemInfoTaskNoStoragesReleasesNothingAndErrors(t *testing.T) {
	p := New(4, time.Second)
	task, err := NewItemInfoTask(p, nil, &cmn.ItemHeader{}, time.Now().Add(time.Second))
	if err != cmn.ErrNoStorages || task != nil {
		t.Fatalf("expected (nil, ErrNoStorages), got (%v, %v)", task, err)
	}
}

func TestNewItemInfoTaskPartialAcquireFailureReleasesAcquired(t *testing.T) {
	node := rangeidx.NewStorageNode(1, "127.0.0.1:0", 100, 100, rangeidx.StorageOK)
	p := New(2, time.Second)

	// Leaves room for exactly one more live socket on this storage; the
	// task's second acquisition (storages repeats the same node) must
	// fail and release the first one it already checked out.
	held, err := p.Get(node)
	if err != nil {
		t.Fatal(err)
	}

	task, err := NewItemInfoTask(p, []*rangeidx.StorageNode{node, node}, &cmn.ItemHeader{}, time.Now().Add(time.Second))
	if err == nil || task != nil {
		t.Fatalf("expected acquisition to fail once the pool is exhausted, got (%v, %v)", task, err)
	}

	p.Put(held)
	held.Close()
	// pool bookkeeping must be back to zero live sockets for this storage
	if _, err := p.Get(node); err != nil {
		t.Fatalf("expected a fresh Get to succeed after release, got %v", err)
	}
}

func TestItemInfoTaskGetPutStorageFirstHealthyInOrder(t *testing.T) {
	fsA := newFakeStorage(t, func(cmd wire.Cmd, h *cmn.ItemHeader, payload []byte) (wire.Status, []byte) {
		return wire.StatusNotFound, nil
	})
	defer fsA.close()
	fsB := newFakeStorage(t, func(cmd wire.Cmd, h *cmn.ItemHeader, payload []byte) (wire.Status, []byte) {
		out := &cmn.ItemHeader{Level: 1, SubLevel: 0, ItemKey: 42, Size: 10}
		return wire.StatusOK, encodeHeaderForTest(out)
	})
	defer fsB.close()

	a := rangeidx.NewStorageNode(1, fsA.addr(), 1000, 900, rangeidx.StorageOK)
	b := rangeidx.NewStorageNode(2, fsB.addr(), 1000, 900, rangeidx.StorageOK)

	p := New(4, time.Second)
	task, err := NewItemInfoTask(p, []*rangeidx.StorageNode{a, b}, &cmn.ItemHeader{Level: 1, SubLevel: 0, ItemKey: 42}, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	got := task.GetPutStorage(10, 0.05)
	if got == nil || got.ID != 2 {
		t.Fatalf("expected storage 2 (the only OK answer), got %+v", got)
	}

	storage, header, found := task.BestHeader()
	if !found || storage.ID != 2 || header.ItemKey != 42 {
		t.Fatalf("expected BestHeader to resolve storage 2's header, got found=%v storage=%+v header=%+v", found, storage, header)
	}
}

func encodeHeaderForTest(h *cmn.ItemHeader) []byte {
	var buf bytes.Buffer
	wire.EncodeItemHeader(&buf, h)
	return buf.Bytes()
}
