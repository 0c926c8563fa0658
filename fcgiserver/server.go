// Package fcgiserver implements the FastCGI Server engine (§4.3): it
// accepts transports, demultiplexes BEGIN_REQUEST/PARAMS/STDIN/ABORT_REQUEST
// per connection, and runs a user Handler concurrently with STDIN being fed
// in and STDOUT/STDERR/END_REQUEST being emitted — the application side
// of the protocol.
//
// Grounded in jpic-fcgigo's fcgi_slave dispatch loop (per-connection,
// per-requestId demultiplexing, keyed pumps for STDOUT/STDERR), rewritten
// onto this module's fcgiproto/fcgitransport/iobridge layers and the
// teacher's context+go-log idiom in place of jpic's channel pumps and
// bare *net.TCPConn plumbing.
package fcgiserver

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/xpwu/go-log/log"
)

// Handler serves one FastCGI request. Implementations read Request.Stdin
// and write Request.Stdout / Request.Stderr; returning ends the request
// (the Server then emits END_REQUEST).
type Handler interface {
	ServeFastCGI(req *Request)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(req *Request)

func (f HandlerFunc) ServeFastCGI(req *Request) { f(req) }

// Options configures the capabilities a Server advertises over
// FCGI_GET_VALUES_RESULT (§3) and its multiplexing behavior.
type Options struct {
	// MaxConns is advertised as FCGI_MAX_CONNS. Defaults to 10.
	MaxConns uint32
	// MaxReqs is advertised as FCGI_MAX_REQS. Defaults to 50.
	MaxReqs uint32
	// MpxsConns is advertised as FCGI_MPXS_CONNS: whether this Server
	// multiplexes more than one concurrent request per connection.
	// withDefaults does not change it, so the zero value advertises
	// FCGI_MPXS_CONNS=0.
	MpxsConns bool
}

func (o Options) withDefaults() Options {
	if o.MaxConns == 0 {
		o.MaxConns = 10
	}
	if o.MaxReqs == 0 {
		o.MaxReqs = 50
	}
	return o
}

// Server accepts connections on a listener and dispatches requests to a
// Handler. The zero value is not usable; construct with NewServer.
type Server struct {
	ctx     context.Context
	handler Handler
	opts    Options

	mu      sync.Mutex
	ln      net.Listener
	lastErr error
	closing bool
	wg      sync.WaitGroup
}

// NewServer constructs a Server. ctx scopes logging and is the parent of
// every per-request Context (canceled on ABORT_REQUEST or connection loss).
func NewServer(ctx context.Context, handler Handler, opts Options) *Server {
	return &Server{ctx: ctx, handler: handler, opts: opts.withDefaults()}
}

// Start listens on addr (host:port; port 0 picks a free port) and begins
// accepting connections in the background. Call GetBindAddress/GetPort
// afterward to discover the actual bound address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	_, logger := log.WithCtx(s.ctx)
	var connsMu sync.Mutex
	conns := make(map[net.Conn]struct{})
	for {
		raw, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.lastErr = err
			s.mu.Unlock()
			if !closing {
				logger.Error(fmt.Errorf("fcgiserver: accept: %w", err))
				return
			}
			connsMu.Lock()
			for c := range conns {
				_ = c.Close()
			}
			connsMu.Unlock()
			return
		}
		connsMu.Lock()
		conns[raw] = struct{}{}
		connsMu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(raw)
			connsMu.Lock()
			delete(conns, raw)
			connsMu.Unlock()
		}()
	}
}

// GetBindAddress returns the listener's address, or nil before Start.
func (s *Server) GetBindAddress() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// GetPort returns the bound TCP port, or 0 before Start / on a
// non-TCP listener.
func (s *Server) GetPort() int {
	addr := s.GetBindAddress()
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcpAddr.Port
}

// GetError returns the last error observed by the accept loop (for
// example, the listener being closed), or nil.
func (s *Server) GetError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stop closes the listener, which makes the accept loop close every
// accepted connection, and waits for every connection's dispatch loop to
// exit. In-flight requests are not force-completed;
// their handlers run to completion against connections that are already
// closing.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}
