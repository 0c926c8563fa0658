// Package fcgiclient implements the FastCGI Client engine (§4.2): it
// drives one transport outward, negotiating FCGI_GET_VALUES, allocating
// request IDs, sending BEGIN_REQUEST/PARAMS/STDIN, and routing inbound
// STDOUT/STDERR/END_REQUEST back to the caller that started each
// request.
//
// Grounded in xpwu-go-streamclient's fakehttpc.Client / transport.Transport:
// the same mutex-guarded request table and
// context-scoped go-log logging idiom, adapted from that package's
// sequence-number request/response correlation to FastCGI's requestId-keyed,
// many-records-per-request protocol.
package fcgiclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xpwu/go-fastcgi/fcgiproto"
	"github.com/xpwu/go-fastcgi/fcgitransport"
	"github.com/xpwu/go-fastcgi/procsup"
	"github.com/xpwu/go-log/log"
	"github.com/xpwu/go-reqid/reqid"
)

// negotiationTimeout is the spec's fixed 500ms GET_VALUES wait (§4.2).
const negotiationTimeout = 500 * time.Millisecond

// maxParamsRecordBytes is the largest content a single PARAMS record may
// carry (§4.2); oversized parameter sets are split across multiple
// records at pair boundaries (see sendParams and DESIGN.md for how this
// resolves the spec's truncation Open Question).
const maxParamsRecordBytes = 16300

// maxStdinChunkBytes is the largest payload a single STDIN record may
// carry (§4.2).
const maxStdinChunkBytes = 0x7FFF

// idWrapMax is where request-id allocation wraps back to 1, skipping 0
// (reserved for management records) — §9's fixed wraparound rule.
const idWrapMax = 65530

// Client is the FastCGI Client engine. The zero value is not usable;
// construct with NewClient.
type Client struct {
	dialer fcgitransport.Dialer
	sup    *procsup.Supervisor

	ctx context.Context

	mu        sync.Mutex
	conn      *fcgitransport.Conn
	connected bool
	caps      capabilities
	nextID    uint16
	requests  map[uint16]*clientRequest
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithDialer overrides the default xtcp-based dialer — used by tests to
// substitute a fake dialer.
func WithDialer(d fcgitransport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient constructs a Client. execPath, when non-empty, is the
// configured application command line (§4.5): the Client spawns and
// supervises it via procsup, and IsProcessAlive polls it. An empty
// execPath means the application is externally managed.
func NewClient(ctx context.Context, execPath string, opts ...Option) *Client {
	c := &Client{
		dialer:   fcgitransport.XTCPDialer{},
		ctx:      ctx,
		caps:     defaultCapabilities(),
		requests: make(map[uint16]*clientRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sup = procsup.NewSupervisor(ctx, procsup.Options{CommandLine: execPath}, c.forceCompleteAll)
	return c
}

// Start launches the configured application process, if one was
// configured. It is safe to call even when no process path was given
// (it becomes a no-op).
func (c *Client) Start() error {
	return c.sup.Start()
}

// Connect establishes a transport to addr, negotiates capabilities via a
// single GET_VALUES probe, then opens a fresh transport for real
// traffic (the probe connection is not reused) — §4.2.
func (c *Client) Connect(addr string) error {
	probe, err := c.dialer.Dial(c.ctx, addr)
	if err != nil {
		return err
	}
	probeConn := fcgitransport.New(c.ctx, probe)

	resultCh := make(chan capabilities, 1)
	go c.readProbe(probeConn, resultCh)

	if err := probeConn.WriteRecord(fcgiproto.TypeGetValues, 0, getValuesBody()); err != nil {
		_ = probeConn.Close()
		return err
	}

	var caps capabilities
	select {
	case caps = <-resultCh:
	case <-time.After(negotiationTimeout):
		_ = probeConn.Close()
		return ErrNegotiationTimeout
	}
	_ = probeConn.Close()

	raw, err := c.dialer.Dial(c.ctx, addr)
	if err != nil {
		return err
	}
	conn := fcgitransport.New(c.ctx, raw)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.caps = caps
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// IsConnected reports whether a live transport is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendRequest begins a new FastCGI Responder request: BEGIN_REQUEST,
// then PARAMS (split at pair boundaries to stay under the 16300-byte
// per-record limit), then the PARAMS terminator. It returns the
// allocated requestId, or 0 if the Client is not connected, the live
// request count is already at MAX_REQS, or MPXS_CONNS=0 and a request is
// already live (§4.2).
func (c *Client) SendRequest(params map[string]string, output OutputFunc, completion CompletionFunc) uint16 {
	_, reqLogID := reqid.WithCtx(c.ctx)
	_, logger := log.WithCtx(c.ctx)
	logger.PushPrefix(fmt.Sprintf("send_request(corr=%s), ", reqLogID))

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		logger.Warning("not connected")
		return 0
	}
	if uint32(len(c.requests)) >= c.caps.maxReqs {
		c.mu.Unlock()
		logger.Warning("capacity exceeded: live_count >= MAX_REQS")
		return 0
	}
	if !c.caps.mpxsConns && len(c.requests) >= 1 {
		c.mu.Unlock()
		logger.Warning("capacity exceeded: MPXS_CONNS=0 and a request is already live")
		return 0
	}

	id := c.allocateIDLocked()
	req := &clientRequest{id: id, state: statePending, output: output, completion: completion}
	c.requests[id] = req
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteRecord(fcgiproto.TypeBeginRequest, id,
		fcgiproto.EncodeBeginRequestBody(fcgiproto.RoleResponder, fcgiproto.FlagKeepConn)); err != nil {
		logger.Error(err)
		return id
	}

	if err := c.sendParams(conn, id, params); err != nil {
		logger.Error(err)
	}

	return id
}

// allocateIDLocked returns the next unused requestId, wrapping per §9.
// Caller must hold c.mu.
func (c *Client) allocateIDLocked() uint16 {
	for {
		c.nextID++
		if c.nextID > idWrapMax {
			c.nextID = 1
		}
		if _, inUse := c.requests[c.nextID]; !inUse {
			return c.nextID
		}
	}
}

// sendParams encodes params into one or more PARAMS records, each under
// maxParamsRecordBytes, followed by the zero-length terminator.
func (c *Client) sendParams(conn *fcgitransport.Conn, id uint16, params map[string]string) error {
	_, logger := log.WithCtx(c.ctx)

	var cur []byte
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		err := conn.WriteRecord(fcgiproto.TypeParams, id, cur)
		cur = nil
		return err
	}

	for k, v := range params {
		pair, err := fcgiproto.EncodeNV(nil, k, v)
		if err != nil {
			logger.Warning(fmt.Sprintf("skipping unencodable param %q: %v", k, err))
			continue
		}

		if len(pair) > maxParamsRecordBytes {
			logger.Warning(fmt.Sprintf(
				"param %q dropped: single pair is %d bytes, exceeds the %d-byte PARAMS record limit",
				k, len(pair), maxParamsRecordBytes))
			continue
		}

		if len(cur)+len(pair) > maxParamsRecordBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		cur = append(cur, pair...)
	}
	if err := flush(); err != nil {
		return err
	}

	return conn.WriteRecord(fcgiproto.TypeParams, id, nil)
}

// SendRequestData emits STDIN content for requestId, chunked to at most
// maxStdinChunkBytes per record. A zero-length call emits the STDIN
// terminator. A repeated terminator is a no-op at this module's Server
// while the request is still live there; once the Server has sent
// END_REQUEST and removed the request, a STDIN record for that id names
// an unknown request and the Server closes the transport.
func (c *Client) SendRequestData(id uint16, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	if req, ok := c.requests[id]; ok && len(data) == 0 {
		req.state = stateStreamingIn
	}
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	if len(data) == 0 {
		return conn.WriteRecord(fcgiproto.TypeStdin, id, nil)
	}
	for len(data) > 0 {
		n := len(data)
		if n > maxStdinChunkBytes {
			n = maxStdinChunkBytes
		}
		if err := conn.WriteRecord(fcgiproto.TypeStdin, id, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// AbortRequest sends ABORT_REQUEST and marks id's local entry aborted:
// subsequent STDOUT for id is dropped and subsequent STDERR is buffered
// but never delivered (§4.2, §8's abort-quiescence property). Cleanup
// still waits for the peer's END_REQUEST. Returns false if id is not a
// live request.
func (c *Client) AbortRequest(id uint16) bool {
	c.mu.Lock()
	req, ok := c.requests[id]
	conn := c.conn
	if ok {
		req.state = stateAborting
		req.aborted = true
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	_ = conn.WriteRecord(fcgiproto.TypeAbortRequest, id, nil)
	return true
}

// RemoveRequest releases id's local entry irrespective of completion —
// used when the caller has abandoned the result. Its completion, if any,
// will simply never fire.
func (c *Client) RemoveRequest(id uint16) {
	c.mu.Lock()
	delete(c.requests, id)
	c.mu.Unlock()
}

// IsProcessAlive polls the configured child process's liveness. If the
// child has exited, every live request is force-completed and, up to
// five cascading restarts, a new child is launched. Returns true while
// the child is running, or always true when no process path was
// configured (§4.5).
func (c *Client) IsProcessAlive() bool {
	return c.sup.IsAlive()
}

// forceCompleteAll fires every live request's completion signal without
// waiting for END_REQUEST, then clears the request table — used on
// transport close and on child-process exit (§7).
func (c *Client) forceCompleteAll() {
	c.mu.Lock()
	pending := make([]*clientRequest, 0, len(c.requests))
	for _, req := range c.requests {
		pending = append(pending, req)
	}
	c.requests = make(map[uint16]*clientRequest)
	c.connected = false
	c.mu.Unlock()

	for _, req := range pending {
		fireOnce(req)
	}
}

func fireOnce(req *clientRequest) {
	if req.done {
		return
	}
	req.done = true
	if req.completion != nil {
		req.completion()
	}
}

// Close tears down the Client: any live requests are force-completed,
// the transport is closed, and the child process (if any) is stopped.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.forceCompleteAll()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	_ = c.sup.Stop()
	return err
}
