package storagesvc

import (
	"bytes"
	"net"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/wire"
	"github.com/golang/glog"
)

// replTask is one PUT/DELETE that must be propagated to a secondary (spec
// §4.3 PUT flow: "enqueue a replication task to the sync worker for each
// secondary in the range's storage list").
type replTask struct {
	addr    string
	cmd     wire.Cmd
	header  cmn.ItemHeader
	payload []byte
}

// syncWorker is the replication jogger: a single goroutine draining a
// work channel and dialing each secondary in turn, structurally ported
// from the teacher's putJogger/getJogger (ec/putjogger.go,
// ec/getjogger.go) high-priority-channel-plus-stop-channel select loop,
// repurposed here from EC-encode requests to cross-replica PUT/DELETE
// propagation.
type syncWorker struct {
	workCh chan replTask
	stopCh chan struct{}
	dial   func(addr string) (net.Conn, error)
	dialTO time.Duration
}

func newSyncWorker(queueLen int, dialTimeout time.Duration) *syncWorker {
	return &syncWorker{
		workCh: make(chan replTask, queueLen),
		stopCh: make(chan struct{}),
		dial:   func(addr string) (net.Conn, error) { return net.DialTimeout("tcp", addr, dialTimeout) },
		dialTO: dialTimeout,
	}
}

// enqueue submits a replication task for every configured secondary,
// dropping (and logging) rather than blocking if the queue is full: a
// stalled secondary must never back-pressure the primary's PUT path.
func (w *syncWorker) enqueue(cmd wire.Cmd, header cmn.ItemHeader, payload []byte, replicas []string) {
	for _, addr := range replicas {
		t := replTask{addr: addr, cmd: cmd, header: header, payload: payload}
		select {
		case w.workCh <- t:
		default:
			glog.Warningf("sync worker: queue full, dropping %s replication to %s for item %d", cmd, addr, header.ItemKey)
		}
	}
}

func (w *syncWorker) run() {
	glog.Infof("sync worker: started")
	for {
		select {
		case t := <-w.workCh:
			w.replicate(t)
		case <-w.stopCh:
			glog.Infof("sync worker: stopped")
			return
		}
	}
}

func (w *syncWorker) stop() {
	close(w.stopCh)
}

func (w *syncWorker) replicate(t replTask) {
	conn, err := w.dial(t.addr)
	if err != nil {
		glog.Warningf("sync worker: dial %s failed: %v", t.addr, err)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(w.dialTO))

	var body bytes.Buffer
	if err := wire.EncodeItemHeader(&body, &t.header); err != nil {
		glog.Warningf("sync worker: encode header for %s failed: %v", t.addr, err)
		return
	}
	body.Write(t.payload)

	if err := wire.WriteStorageCmd(conn, wire.StorageCmd{Cmd: t.cmd, Size: uint32(body.Len())}); err != nil {
		glog.Warningf("sync worker: send cmd to %s failed: %v", t.addr, err)
		return
	}
	if _, err := conn.Write(body.Bytes()); err != nil {
		glog.Warningf("sync worker: send body to %s failed: %v", t.addr, err)
		return
	}
	ans, err := wire.ReadStorageAnswer(conn)
	if err != nil {
		glog.Warningf("sync worker: read answer from %s failed: %v", t.addr, err)
		return
	}
	if ans.Size > 0 {
		discard := make([]byte, ans.Size)
		conn.Read(discard)
	}
	if ans.Status != wire.StatusOK {
		glog.Warningf("sync worker: %s replication to %s answered %s", t.cmd, t.addr, ans.Status)
	}
}
