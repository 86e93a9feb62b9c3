package storagesvc

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/wire"
	"github.com/golang/glog"
)

// connState names the per-connection state machine named in spec §4.3:
// "WAIT_CMD -> READ_HEADER -> READ_BODY -> EXECUTE -> WRITE_ANSWER ->
// WAIT_CMD". It is kept as an explicit, inspectable value per SPEC_FULL.md's
// concurrency-idiom note rather than collapsed into one read-decode-write
// call, so the transitions spec §4.3 names are directly testable.
type connState int

const (
	stateWaitCmd connState = iota
	stateReadHeader
	stateReadBody
	stateExecute
	stateWriteAnswer
)

func (s connState) String() string {
	switch s {
	case stateWaitCmd:
		return "WAIT_CMD"
	case stateReadHeader:
		return "READ_HEADER"
	case stateReadBody:
		return "READ_BODY"
	case stateExecute:
		return "EXECUTE"
	case stateWriteAnswer:
		return "WRITE_ANSWER"
	default:
		return "UNKNOWN"
	}
}

// conn drives one net.Conn through the state machine above; one goroutine
// per connection is the Go-idiomatic stand-in for the source's epoll-driven
// multiplexing (SPEC_FULL.md "Concurrency idiom").
type conn struct {
	nc    net.Conn
	srv   *Server
	state connState

	cmd        wire.StorageCmd
	body       []byte
	answer     wire.StorageAnswer
	answerBody []byte
}

func newConn(nc net.Conn, srv *Server) *conn {
	return &conn{nc: nc, srv: srv, state: stateWaitCmd}
}

// run drives the connection until a protocol violation or I/O error ends
// it (spec §4.3: "Any I/O error or protocol mismatch resets the
// connection").
func (c *conn) run() {
	defer c.nc.Close()
	for {
		if err := c.step(); err != nil {
			if !errors.Is(err, io.EOF) {
				glog.V(3).Infof("storage conn %s: closing in state %s: %v", c.nc.RemoteAddr(), c.state, err)
			}
			return
		}
	}
}

// step advances the connection by exactly one state transition.
func (c *conn) step() error {
	switch c.state {
	case stateWaitCmd:
		c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.CommandTimeout))
		cmd, err := wire.ReadStorageCmd(c.nc)
		if err != nil {
			return err
		}
		c.cmd = cmd
		c.state = stateReadHeader

	case stateReadHeader:
		// every command's fixed-size fields (an ItemHeader, a cursor, or
		// nothing) are read as part of the body in stateReadBody; this
		// state exists to keep the machine's shape identical to spec
		// §4.3's named transitions.
		c.state = stateReadBody

	case stateReadBody:
		body := make([]byte, c.cmd.Size)
		if c.cmd.Size > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.CommandTimeout))
			if _, err := io.ReadFull(c.nc, body); err != nil {
				return err
			}
		}
		c.body = body
		c.state = stateExecute

	case stateExecute:
		status, payload, err := c.srv.execute(c.cmd.Cmd, c.body)
		if err != nil {
			glog.V(3).Infof("storage conn %s: %s failed: %v", c.nc.RemoteAddr(), c.cmd.Cmd, err)
		}
		c.answer = wire.StorageAnswer{Status: status, Size: uint32(len(payload))}
		c.answerBody = payload
		c.state = stateWriteAnswer

	case stateWriteAnswer:
		c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.CommandTimeout))
		if err := wire.WriteStorageAnswer(c.nc, c.answer); err != nil {
			return err
		}
		if len(c.answerBody) > 0 {
			if _, err := c.nc.Write(c.answerBody); err != nil {
				return err
			}
		}
		c.cmd, c.body, c.answerBody = wire.StorageCmd{}, nil, nil
		c.state = stateWaitCmd

	default:
		return cmn.ErrProtocolMismatch
	}
	return nil
}

// encodeHeader is a small helper used by execute's command handlers to
// produce an answer payload of just an ItemHeader.
func encodeHeader(h *cmn.ItemHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(wire.ItemHeaderWireLen)
	wire.EncodeItemHeader(&buf, h)
	return buf.Bytes()
}
