// Package pool implements the manager-side storage command pool (spec
// §4.5): a bounded set of reusable connections per storage node, driving
// each in-flight command through an explicit WAIT_CONNECTION -> SEND_REQUEST
// -> WAIT_ANSWER -> READY/ERROR state machine, plus the ITEM_INFO fan-out
// collector used by the GET dispatch path (internal/dispatch).
//
// Grounded on original_source/manager/storage_cmd_event.cpp: that file
// drives the same states from epoll readiness callbacks; this package
// drives them with blocking I/O under an explicit deadline, since Go's
// runtime netpoller already plays the role the original's E_INPUT/E_OUTPUT
// notifications played (see SPEC_FULL.md "Concurrency idiom"). The state
// value itself is kept explicit and inspectable rather than collapsed into
// a single synchronous call, so tests can assert on it the way
// storage_cmd_event.cpp's callers inspected _state directly.
package pool

import (
	"bytes"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/rangeidx"
	"github.com/carriercomm/metis/internal/wire"
)

type commandState int

const (
	stateIdle commandState = iota
	stateWaitConnection
	stateSendRequest
	stateWaitAnswer
	stateReady
	stateError
)

func (s commandState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateWaitConnection:
		return "WAIT_CONNECTION"
	case stateSendRequest:
		return "SEND_REQUEST"
	case stateWaitAnswer:
		return "WAIT_ANSWER"
	case stateReady:
		return "READY"
	case stateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CommandEvent is one reusable connection to a storage node, together with
// the state of whatever command is currently being driven over it (spec
// §4.5 "StorageCmdEvent"). A *CommandEvent is owned by exactly one Pool at
// a time: checked out to a caller via Pool.Get, handed back via Pool.Put.
type CommandEvent struct {
	Storage *rangeidx.StorageNode

	dialTimeout time.Duration
	conn        net.Conn
	state       commandState
	lastErr     error
}

func newCommandEvent(storage *rangeidx.StorageNode, dialTimeout time.Duration) *CommandEvent {
	return &CommandEvent{Storage: storage, dialTimeout: dialTimeout, state: stateIdle}
}

// State reports the event's last-observed state, mainly for tests.
func (e *CommandEvent) State() string { return e.state.String() }

// Close tears down the underlying connection, if any. Pool calls this when
// an event is unhealthy or the per-storage pool is already at capacity.
func (e *CommandEvent) Close() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.state = stateIdle
}

// healthy reports whether e can be returned to its pool's free list rather
// than destroyed (spec §4.5: an event in READY with a live socket is
// reusable; anything that ended in ERROR is not).
func (e *CommandEvent) healthy() bool {
	return e.state == stateReady && e.conn != nil
}

func (e *CommandEvent) ensureConn() error {
	if e.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", e.Storage.Addr, e.dialTimeout)
	if err != nil {
		return err
	}
	e.conn = conn
	return nil
}

// isReset reports whether err indicates the connection was closed or reset
// out from under a pooled, previously-healthy event, by the peer or by a
// close of the socket on this side (spec §8 scenario 6 "Connection
// recovery"; grounded on storage_cmd_event.cpp's _send, which treats
// CONNECTION_CLOSE as a signal to reopen the socket and retry rather than
// a hard failure).
func isReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// Send drives one command to completion against e's storage: connect (or
// reuse the pooled socket), write the framed request, read the framed
// answer. On a reset detected on a pooled socket, while writing the request
// or reading its answer, the event reopens the connection and retries
// exactly once (spec §4.5's bounded
// one-reset connect path, and the scenario 6 recovery behavior); a second
// failure is terminal.
func (e *CommandEvent) Send(deadline time.Time, cmd wire.Cmd, header *cmn.ItemHeader, payload []byte) (wire.StorageAnswer, []byte, error) {
	var body bytes.Buffer
	if header != nil {
		if err := wire.EncodeItemHeader(&body, header); err != nil {
			e.state = stateError
			e.lastErr = err
			return wire.StorageAnswer{}, nil, err
		}
	}
	body.Write(payload)
	reqBody := body.Bytes()

	resetRetried := false
	for {
		e.state = stateWaitConnection
		wasPooled := e.conn != nil
		if err := e.ensureConn(); err != nil {
			e.state = stateError
			e.lastErr = err
			return wire.StorageAnswer{}, nil, err
		}
		e.conn.SetDeadline(deadline)

		e.state = stateSendRequest
		err := wire.WriteStorageCmd(e.conn, wire.StorageCmd{Cmd: cmd, Size: uint32(len(reqBody))})
		if err == nil && len(reqBody) > 0 {
			_, err = e.conn.Write(reqBody)
		}
		if err != nil {
			if wasPooled && !resetRetried && isReset(err) {
				resetRetried = true
				e.Close()
				continue
			}
			e.state = stateError
			e.lastErr = err
			e.Close()
			return wire.StorageAnswer{}, nil, err
		}

		e.state = stateWaitAnswer
		ans, ansBody, err := e.readAnswer()
		if err != nil {
			if wasPooled && !resetRetried && isReset(err) {
				resetRetried = true
				e.Close()
				continue
			}
			e.state = stateError
			e.lastErr = err
			e.Close()
			return wire.StorageAnswer{}, nil, err
		}

		e.state = stateReady
		e.lastErr = nil
		return ans, ansBody, nil
	}
}

// readAnswer accumulates bytes off the connection into a growing buffer
// and repeatedly tries to decode a complete framed answer, the same
// accumulate-then-decode shape as storage_cmd_event.cpp's _read, but
// driven by blocking Read calls under the deadline set in Send rather
// than a readiness callback refilling a ring buffer.
func (e *CommandEvent) readAnswer() (wire.StorageAnswer, []byte, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		if sa, complete, ok := wire.DecodeStorageAnswer(buf); ok && complete {
			return sa, buf[wire.StorageAnswerWireLen : wire.StorageAnswerWireLen+int(sa.Size)], nil
		}
		n, err := e.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return wire.StorageAnswer{}, nil, err
		}
	}
}
