package fcgiclient

import (
	"io"

	"github.com/xpwu/go-fastcgi/fcgiproto"
	"github.com/xpwu/go-fastcgi/fcgitransport"
	"github.com/xpwu/go-log/log"
)

// readProbe services the short-lived negotiation connection opened by
// Connect: it reads exactly one management record and, if it is a
// GET_VALUES_RESULT, parses and delivers capabilities on resultCh. Any
// other outcome (wrong type, read error) leaves resultCh unfed and lets
// Connect's timeout fire.
func (c *Client) readProbe(conn *fcgitransport.Conn, resultCh chan<- capabilities) {
	rec, err := conn.ReadRecord()
	if err != nil {
		return
	}
	if rec.Header.Type != fcgiproto.TypeGetValuesResult || rec.Header.RequestId != 0 {
		return
	}
	resultCh <- parseCapabilities(rec.Content)
}

// readLoop is the Client's single inbound dispatcher for a live
// connection: it demultiplexes STDOUT/STDERR/END_REQUEST by requestId
// and runs for the lifetime of the connection, exactly once per Connect
// (§4.2's "one persistent transport").
func (c *Client) readLoop(conn *fcgitransport.Conn) {
	_, logger := log.WithCtx(c.ctx)

	for {
		rec, err := conn.ReadRecord()
		if err != nil {
			if err != io.EOF {
				logger.Warning(err.Error())
			}
			c.forceCompleteAll()
			return
		}

		switch rec.Header.Type {
		case fcgiproto.TypeStdout:
			c.dispatchOutput(rec.Header.RequestId, rec.Content, false)
		case fcgiproto.TypeStderr:
			c.dispatchOutput(rec.Header.RequestId, rec.Content, true)
		case fcgiproto.TypeEndRequest:
			c.dispatchEndRequest(rec.Header.RequestId)
		case fcgiproto.TypeGetValuesResult:
			// A result arriving outside Connect's negotiation window; the
			// application didn't ask, so there's nothing to deliver it to.
			logger.Debug("unsolicited GET_VALUES_RESULT, ignored")
		default:
			logger.Warning("unrecognized record type on the main connection, ignored")
		}
	}
}

// dispatchOutput routes one STDOUT or STDERR record to its request.
// STDOUT is delivered immediately unless the request is aborted, in
// which case it is dropped. STDERR is always buffered and only flushed
// alongside END_REQUEST, and only when not aborted (§8's
// abort-quiescence property: an aborted request never calls back into
// application output code again).
func (c *Client) dispatchOutput(id uint16, data []byte, isStderr bool) {
	c.mu.Lock()
	req, ok := c.requests[id]
	c.mu.Unlock()
	if !ok || len(data) == 0 {
		return
	}

	if isStderr {
		c.mu.Lock()
		req.stderrTail = append(req.stderrTail, data...)
		c.mu.Unlock()
		return
	}

	if req.aborted {
		return
	}
	if req.output != nil {
		req.output(id, data)
	}
}

// dispatchEndRequest flushes any buffered STDERR, fires completion
// exactly once, and removes the request — the only path, besides
// RemoveRequest, by which a request leaves the table under normal
// operation.
func (c *Client) dispatchEndRequest(id uint16) {
	c.mu.Lock()
	req, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if !req.aborted && len(req.stderrTail) > 0 && req.output != nil {
		req.output(id, req.stderrTail)
	}
	fireOnce(req)
}
