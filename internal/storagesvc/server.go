// Package storagesvc implements the storage node service (spec §4.3): a
// TCP listener whose connections speak the binary StorageCmd/StorageAnswer
// protocol (internal/wire) and whose commands are dispatched to an
// internal/slice.Manager, with asynchronous PUT/DELETE replication to
// configured secondaries via a sync worker.
package storagesvc

import (
	"bytes"
	"fmt"
	"net"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/slice"
	"github.com/carriercomm/metis/internal/wire"
	"go.uber.org/atomic"

	"github.com/golang/glog"
)

// Server accepts storage protocol connections and dispatches their
// commands to a slice.Manager, the way dfc/proxy.go's runner type owns a
// listener and a run/stop lifecycle.
type Server struct {
	cfg  *cmn.Config
	mgr  *slice.Manager
	sync *syncWorker

	ln       net.Listener
	conns    atomic.Int64 // live connection count, for resource-floor observability (spec §5)
	stopping atomic.Bool
}

// New constructs a Server bound to mgr, using cfg for timeouts, replica
// topology, and the sync worker's queue depth.
func New(cfg *cmn.Config, mgr *slice.Manager) *Server {
	return &Server{
		cfg:  cfg,
		mgr:  mgr,
		sync: newSyncWorker(cfg.SyncQueueLength, cfg.CommandTimeout),
	}
}

// ListenAndServe binds cfg.ListenAddr and accepts connections until Stop is
// called or a non-transient accept error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("storage listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	go s.sync.run()

	glog.Infof("storage node %d: listening on %s", s.cfg.ServerID, s.cfg.ListenAddr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				return nil
			}
			return err
		}
		s.conns.Inc()
		go func() {
			defer s.conns.Dec()
			newConn(nc, s).run()
		}()
	}
}

// Stop closes the listener and the sync worker, matching spec §6's
// "SIGINT/SIGTERM trigger a single idempotent shutdown".
func (s *Server) Stop() error {
	if !s.stopping.CAS(false, true) {
		return nil // idempotent: a second signal is a no-op
	}
	s.sync.stop()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// execute dispatches one decoded command to the slice manager (spec §4.3's
// EXECUTE state) and returns the answer status plus payload bytes.
func (s *Server) execute(cmd wire.Cmd, body []byte) (wire.Status, []byte, error) {
	switch cmd {
	case wire.CmdNone:
		return wire.StatusOK, nil, nil

	case wire.CmdItemInfo:
		return s.doItemInfo(body)

	case wire.CmdGet:
		return s.doGet(body)

	case wire.CmdPut:
		return s.doPut(body)

	case wire.CmdDelete:
		return s.doDelete(body)

	case wire.CmdPing:
		return s.doPing()

	case wire.CmdSyncNext:
		return s.doSyncNext(body)

	default:
		return wire.StatusError, nil, cmn.ErrProtocolMismatch
	}
}

// doItemInfo serves HEAD-style lookups. Per spec §6 the request payload is
// just an ItemHeader (the key triple); this storage resolves the current
// record via its own key index (slice.Manager.Find) rather than trusting
// any pointer, since the wire table gives ITEM_INFO requests no location
// to trust in the first place.
func (s *Server) doItemInfo(body []byte) (wire.Status, []byte, error) {
	req, err := wire.DecodeItemHeader(body)
	if err != nil {
		return wire.StatusError, nil, err
	}
	_, header, found := s.mgr.Find(req.Level, req.SubLevel, req.ItemKey)
	if !found || header.IsDeleted() {
		return wire.StatusNotFound, nil, nil
	}
	return wire.StatusOK, encodeHeader(&header), nil
}

// doGet serves GET. The request payload is an ItemHeader followed by an
// ItemPointer per spec §6; this storage still resolves the authoritative
// current pointer via its key index rather than trusting the caller's
// pointer, which may be stale if a newer version landed since the caller
// last ran ITEM_INFO (the ITEM_INFO answer carries no pointer at all — see
// DESIGN.md). The decoded request pointer is therefore read but unused
// beyond validating the wire format.
func (s *Server) doGet(body []byte) (wire.Status, []byte, error) {
	if len(body) < wire.ItemHeaderWireLen+wire.ItemPointerWireLen {
		return wire.StatusError, nil, cmn.ErrProtocolMismatch
	}
	req, err := wire.DecodeItemHeader(body[:wire.ItemHeaderWireLen])
	if err != nil {
		return wire.StatusError, nil, err
	}
	ptr, header, found := s.mgr.Find(req.Level, req.SubLevel, req.ItemKey)
	if !found || header.IsDeleted() {
		return wire.StatusNotFound, nil, nil
	}
	raw, _, err := s.mgr.Get(ptr, header.Size, req.Level, req.SubLevel, req.ItemKey)
	if err != nil {
		if err == cmn.ErrNotFound {
			return wire.StatusNotFound, nil, nil
		}
		return wire.StatusError, nil, err
	}
	return wire.StatusOK, raw, nil
}

// doPut serves PUT: append via the slice manager, then fan the write out
// to this node's configured secondaries asynchronously (spec §4.3 PUT
// flow). Answer payload is the new ItemPointer.
func (s *Server) doPut(body []byte) (wire.Status, []byte, error) {
	if len(body) < wire.ItemHeaderWireLen {
		return wire.StatusError, nil, cmn.ErrProtocolMismatch
	}
	header, err := wire.DecodeItemHeader(body[:wire.ItemHeaderWireLen])
	if err != nil {
		return wire.StatusError, nil, err
	}
	payload := body[wire.ItemHeaderWireLen:]
	if uint32(len(payload)) != header.Size {
		return wire.StatusError, nil, cmn.ErrProtocolMismatch
	}

	if !s.mgr.CanPut(int64(wire.ItemHeaderWireLen) + int64(len(payload))) {
		return wire.StatusNoSpace, nil, nil
	}
	ptr, err := s.mgr.Add(header, payload)
	if err != nil {
		if err == cmn.ErrNoSpace {
			return wire.StatusNoSpace, nil, nil
		}
		return wire.StatusError, nil, err
	}

	if len(s.cfg.ReplicaAddrs) > 0 {
		s.sync.enqueue(wire.CmdPut, *header, payload, s.cfg.ReplicaAddrs)
	}

	var out bytes.Buffer
	wire.EncodeItemPointer(&out, ptr)
	return wire.StatusOK, out.Bytes(), nil
}

// doDelete serves DELETE: the request ItemHeader already carries
// status=ST_ITEM_DELETED and a fresh time_tag (assigned by the caller), so
// this is structurally identical to doPut's persistence step but with no
// payload and no ItemPointer answer (spec §6 "DELETE | ItemHeader | —").
func (s *Server) doDelete(body []byte) (wire.Status, []byte, error) {
	header, err := wire.DecodeItemHeader(body)
	if err != nil {
		return wire.StatusError, nil, err
	}
	header.Status |= cmn.StatusDeleted
	header.Size = 0

	if _, err := s.mgr.Add(header, nil); err != nil {
		if err == cmn.ErrNoSpace {
			return wire.StatusNoSpace, nil, nil
		}
		return wire.StatusError, nil, err
	}
	if len(s.cfg.ReplicaAddrs) > 0 {
		s.sync.enqueue(wire.CmdDelete, *header, nil, s.cfg.ReplicaAddrs)
	}
	return wire.StatusOK, nil, nil
}

// doPing answers with a capacity snapshot (spec §6).
func (s *Server) doPing() (wire.Status, []byte, error) {
	total, free, err := s.mgr.CapacitySnapshot()
	if err != nil {
		return wire.StatusError, nil, err
	}
	var out bytes.Buffer
	wire.EncodeCapacitySnapshot(&out, wire.CapacitySnapshot{Total: total, Free: free})
	return wire.StatusOK, out.Bytes(), nil
}

// doSyncNext serves the inter-storage replication pull (spec §4.2
// load_index / §6 SYNC_NEXT): decode the caller's cursor, ask the slice
// manager for the next framed index chunk.
func (s *Server) doSyncNext(body []byte) (wire.Status, []byte, error) {
	cursor, err := wire.DecodeSyncCursor(body)
	if err != nil {
		return wire.StatusError, nil, err
	}
	framed, _, _, ok, err := s.mgr.LoadIndex(cursor.SliceID, int64(cursor.Seek), syncChunkBytes)
	if err != nil {
		return wire.StatusError, nil, err
	}
	if !ok {
		return wire.StatusNotFound, nil, nil
	}
	return wire.StatusOK, framed, nil
}

// syncChunkBytes bounds how much index data one SYNC_NEXT answer carries.
const syncChunkBytes = 64 * 1024
