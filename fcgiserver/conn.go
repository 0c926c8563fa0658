package fcgiserver

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/xpwu/go-fastcgi/fcgiproto"
	"github.com/xpwu/go-fastcgi/fcgitransport"
	"github.com/xpwu/go-fastcgi/iobridge"
	"github.com/xpwu/go-log/log"
	"net"
)

// connState tracks every live request multiplexed on one transport.
type connState struct {
	mu       sync.Mutex
	requests map[uint16]*serverRequest
	wg       sync.WaitGroup
}

// serveConn runs one connection's full lifetime: negotiate nothing up
// front (GET_VALUES can arrive at any time on the main connection, same
// as FCGI_PARAMS/STDIN), dispatch records by type, and close once the
// peer disconnects, a protocol violation is observed, or a non-KEEP_CONN
// request completes.
func (s *Server) serveConn(raw net.Conn) {
	ctx, logger := log.WithCtx(s.ctx)
	cs := &connState{requests: make(map[uint16]*serverRequest)}
	defer cs.wg.Wait()

	// Deferred after cs.wg.Wait so it runs first: the transport closes
	// without waiting for handlers that are still running.
	conn := fcgitransport.New(ctx, raw)
	defer conn.Close()

	for {
		rec, err := conn.ReadRecord()
		if err != nil {
			s.cancelAll(cs)
			return
		}

		var ok bool
		switch rec.Header.Type {
		case fcgiproto.TypeGetValues:
			ok = s.handleGetValues(conn, cs)
		case fcgiproto.TypeBeginRequest:
			ok = s.handleBeginRequest(conn, cs, rec.Header.RequestId, rec.Content)
		case fcgiproto.TypeParams:
			ok = s.handleParams(conn, cs, rec.Header.RequestId, rec.Content)
		case fcgiproto.TypeStdin:
			ok = handleStreamChunk(cs, rec.Header.RequestId, rec.Content)
		case fcgiproto.TypeAbortRequest:
			ok = s.handleAbort(cs, rec.Header.RequestId)
		default:
			ok = s.handleUnrecognized(conn, rec.Header.Type, rec.Header.RequestId)
		}

		if !ok {
			logger.Warning(fmt.Sprintf("protocol violation on record type %v for id %d, closing transport",
				rec.Header.Type, rec.Header.RequestId))
			s.cancelAll(cs)
			return
		}
	}
}

// cancelAll cancels every live request's Context, for use when the
// transport is about to be torn down (peer disconnect or protocol
// violation): handlers blocked on ctx.Done() or their input queues
// unwind instead of hanging on I/O that will never arrive.
func (s *Server) cancelAll(cs *connState) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, sr := range cs.requests {
		sr.cancel()
		sr.input.CloseEOF()
	}
}

// handleGetValues answers a management-record FCGI_GET_VALUES with this
// Server's configured capabilities, regardless of which names were
// asked for — the set is small and fixed, so there is nothing to gain
// from echoing back only the requested subset. Per the request
// lifecycle invariant, GET_VALUES while any request is live on this
// connection is a protocol violation: the original FastCGI engine this
// module is modeled on treats a management record arriving mid-request
// the same as any other out-of-place record, closing the transport
// rather than answering it.
func (s *Server) handleGetValues(conn *fcgitransport.Conn, cs *connState) bool {
	cs.mu.Lock()
	live := len(cs.requests) > 0
	cs.mu.Unlock()
	if live {
		return false
	}

	var buf []byte
	buf, _ = fcgiproto.EncodeNV(buf, "FCGI_MAX_CONNS", strconv.FormatUint(uint64(s.opts.MaxConns), 10))
	buf, _ = fcgiproto.EncodeNV(buf, "FCGI_MAX_REQS", strconv.FormatUint(uint64(s.opts.MaxReqs), 10))
	mpxs := "0"
	if s.opts.MpxsConns {
		mpxs = "1"
	}
	buf, _ = fcgiproto.EncodeNV(buf, "FCGI_MPXS_CONNS", mpxs)
	_ = conn.WriteRecord(fcgiproto.TypeGetValuesResult, 0, buf)
	return true
}

// handleBeginRequest creates a per-request bundle in state
// AwaitingParams. A BEGIN_REQUEST naming a requestId already in use on
// this connection is a protocol violation.
func (s *Server) handleBeginRequest(conn *fcgitransport.Conn, cs *connState, id uint16, content []byte) bool {
	body, err := fcgiproto.DecodeBeginRequestBody(content)
	if err != nil {
		_, logger := log.WithCtx(s.ctx)
		logger.Warning(fmt.Sprintf("malformed BEGIN_REQUEST for id %d, ignored", id))
		return true
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.requests[id]; exists {
		return false
	}

	reqCtx, cancel := context.WithCancel(s.ctx)
	sr := newServerRequest(id, body.Role, body.Flags&fcgiproto.FlagKeepConn != 0, cancel)
	sr.ctx = reqCtx
	cs.requests[id] = sr
	return true
}

// handleParams accumulates PARAMS content until the zero-length
// terminator, at which point the request's handler is launched. A
// PARAMS record against an unknown id, or one arriving after the
// request has already left AwaitingParams, is a protocol violation.
func (s *Server) handleParams(conn *fcgitransport.Conn, cs *connState, id uint16, content []byte) bool {
	cs.mu.Lock()
	sr, ok := cs.requests[id]
	cs.mu.Unlock()
	if !ok || sr.state != stateAwaitingParams {
		return false
	}

	if len(content) > 0 {
		sr.paramsBuf = append(sr.paramsBuf, content...)
		return true
	}

	params, err := sr.decodeParams()
	if err != nil {
		_, logger := log.WithCtx(s.ctx)
		logger.Warning(fmt.Sprintf("malformed PARAMS for id %d: %v", id, err))
		params = map[string]string{}
	}
	sr.state = stateReceivingBody

	cs.wg.Add(1)
	go s.runRequest(conn, cs, sr, params)
	return true
}

// handleStreamChunk routes one STDIN record into the matching
// serverRequest's input queue, closing it on the zero-length
// terminator. A STDIN record against an unknown id, or one arriving
// before the request has reached ReceivingBody, is a protocol violation.
func handleStreamChunk(cs *connState, id uint16, content []byte) bool {
	cs.mu.Lock()
	sr, ok := cs.requests[id]
	cs.mu.Unlock()
	if !ok || sr.state != stateReceivingBody {
		return false
	}

	if len(content) == 0 {
		sr.input.CloseEOF()
		return true
	}
	sr.input.Push(content)
	return true
}

func (s *Server) handleAbort(cs *connState, id uint16) bool {
	cs.mu.Lock()
	sr, ok := cs.requests[id]
	cs.mu.Unlock()
	if !ok {
		return true
	}
	sr.aborted.set()
	sr.cancel()
	sr.input.CloseEOF()
	return true
}

// handleUnrecognized answers a management-record (requestId = 0) type
// outside the 11 defined types with FCGI_UNKNOWN_TYPE, naming the
// offending type, rather than silently dropping it — the one courtesy
// the wire format itself documents (type 11 exists for exactly this).
// Anything else — a type the Server never expects to see attached to a
// live request, including FCGI_DATA, which this Server does not
// implement — is a protocol violation.
func (s *Server) handleUnrecognized(conn *fcgitransport.Conn, typ fcgiproto.RecType, requestId uint16) bool {
	if requestId != 0 {
		return false
	}
	_, logger := log.WithCtx(s.ctx)
	logger.Warning(fmt.Sprintf("unrecognized management record type %d, replying FCGI_UNKNOWN_TYPE", typ))
	_ = conn.WriteRecord(fcgiproto.TypeUnknownType, 0, fcgiproto.EncodeUnknownTypeBody(uint8(typ)))
	return true
}

// runRequest builds the public Request, runs the Handler, and finalizes
// the request with END_REQUEST once it returns.
func (s *Server) runRequest(conn *fcgitransport.Conn, cs *connState, sr *serverRequest, params map[string]string) {
	defer cs.wg.Done()

	stdout := iobridge.NewOutputSink(func(p []byte) error {
		if sr.aborted.get() {
			return nil
		}
		return conn.WriteRecord(fcgiproto.TypeStdout, sr.id, p)
	})
	stderr := iobridge.NewOutputSink(func(p []byte) error {
		if sr.aborted.get() {
			return nil
		}
		return conn.WriteRecord(fcgiproto.TypeStderr, sr.id, p)
	})

	req := &Request{
		ID:      sr.id,
		Role:    sr.role,
		Params:  params,
		Stdin:   sr.input,
		Stdout:  stdout,
		Stderr:  stderr,
		ctx:     sr.ctx,
		aborted: sr.aborted,
	}

	s.handler.ServeFastCGI(req)
	sr.state = stateCompleting

	_ = conn.WriteRecord(fcgiproto.TypeStdout, sr.id, nil)
	// END_REQUEST is sent unconditionally, aborted or not: the Client
	// relies on it as the sole signal to fire completion and release the
	// request (§8's abort-quiescence property — an aborted request still
	// ends, it just delivers no further output).
	_ = conn.WriteRecord(fcgiproto.TypeEndRequest, sr.id,
		fcgiproto.EncodeEndRequestBody(0, fcgiproto.StatusRequestComplete))

	cs.mu.Lock()
	delete(cs.requests, sr.id)
	keepConn := sr.keepConn
	cs.mu.Unlock()

	if !keepConn {
		_ = conn.Close()
	}
}
