package fcgiclient

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/xpwu/go-fastcgi/fcgiproto"
	"github.com/xpwu/go-fastcgi/fcgitransport"
)

// pipeDialer hands out loopback TCP connections, one per Dial call, and
// sends the server-side end of each connection to serverEnds for the
// test to drive as the fake peer. Loopback TCP buffers writes the way
// the Client's real transport does, so a Client write returns before
// the fake peer reads it (an unbuffered net.Pipe would block instead).
type pipeDialer struct {
	serverEnds chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{serverEnds: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, err
	}
	server, err := ln.Accept()
	if err != nil {
		client.Close()
		return nil, err
	}
	d.serverEnds <- server
	return client, nil
}

func encodeCapabilities(t *testing.T, maxConns, maxReqs uint32, mpxs bool) []byte {
	t.Helper()
	mpxsVal := "0"
	if mpxs {
		mpxsVal = "1"
	}
	var buf []byte
	var err error
	buf, err = fcgiproto.EncodeNV(buf, keyMaxConns, itoa(maxConns))
	if err != nil {
		t.Fatal(err)
	}
	buf, err = fcgiproto.EncodeNV(buf, keyMaxReqs, itoa(maxReqs))
	if err != nil {
		t.Fatal(err)
	}
	buf, err = fcgiproto.EncodeNV(buf, keyMpxsConns, mpxsVal)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// connectClient drives a full Connect handshake against a fake dialer
// and returns the Client plus the main connection's server-side Conn.
func connectClient(t *testing.T, mpxs bool) (*Client, *fcgitransport.Conn) {
	t.Helper()
	dialer := newPipeDialer()
	c := NewClient(context.Background(), "", WithDialer(dialer))

	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect("ignored") }()

	probeServer := <-dialer.serverEnds
	probeConn := fcgitransport.New(context.Background(), probeServer)
	rec, err := probeConn.ReadRecord()
	if err != nil {
		t.Fatalf("read GET_VALUES probe: %v", err)
	}
	if rec.Header.Type != fcgiproto.TypeGetValues || rec.Header.RequestId != 0 {
		t.Fatalf("unexpected probe record: %+v", rec.Header)
	}
	body := encodeCapabilities(t, 10, 50, mpxs)
	if err := probeConn.WriteRecord(fcgiproto.TypeGetValuesResult, 0, body); err != nil {
		t.Fatalf("write GET_VALUES_RESULT: %v", err)
	}

	if err := <-connectErr; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatalf("IsConnected() = false after successful Connect")
	}

	mainServer := <-dialer.serverEnds
	return c, fcgitransport.New(context.Background(), mainServer)
}

func TestConnectNegotiatesCapabilities(t *testing.T) {
	c, _ := connectClient(t, true)
	if c.caps.maxReqs != 50 || c.caps.maxConns != 10 || !c.caps.mpxsConns {
		t.Fatalf("caps = %+v", c.caps)
	}
}

func TestConnectTimesOutWithoutGetValuesResult(t *testing.T) {
	dialer := newPipeDialer()
	c := NewClient(context.Background(), "", WithDialer(dialer))

	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect("ignored") }()

	probeServer := <-dialer.serverEnds
	defer probeServer.Close()

	select {
	case err := <-connectErr:
		if err != ErrNegotiationTimeout {
			t.Fatalf("err = %v, want ErrNegotiationTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not time out")
	}
}

func TestSendRequestFullLifecycle(t *testing.T) {
	c, srv := connectClient(t, true)

	var mu sync.Mutex
	var gotOutput []byte
	completed := make(chan struct{})

	id := c.SendRequest(map[string]string{"REQUEST_METHOD": "GET"},
		func(_ uint16, data []byte) {
			mu.Lock()
			gotOutput = append(gotOutput, data...)
			mu.Unlock()
		},
		func() { close(completed) })
	if id == 0 {
		t.Fatal("SendRequest returned 0")
	}

	rec, err := srv.ReadRecord()
	if err != nil || rec.Header.Type != fcgiproto.TypeBeginRequest || rec.Header.RequestId != id {
		t.Fatalf("BEGIN_REQUEST: rec=%+v err=%v", rec.Header, err)
	}

	var params []byte
	for {
		rec, err = srv.ReadRecord()
		if err != nil {
			t.Fatalf("PARAMS: %v", err)
		}
		if rec.Header.Type != fcgiproto.TypeParams {
			t.Fatalf("expected PARAMS, got %v", rec.Header.Type)
		}
		if len(rec.Content) == 0 {
			break
		}
		params = append(params, rec.Content...)
	}
	nv, err := fcgiproto.DecodeNVPairs(params)
	if err != nil || nv["REQUEST_METHOD"] != "GET" {
		t.Fatalf("params = %+v, err = %v", nv, err)
	}

	if err := srv.WriteRecord(fcgiproto.TypeStdout, id, []byte("hello")); err != nil {
		t.Fatalf("write STDOUT: %v", err)
	}
	if err := srv.WriteRecord(fcgiproto.TypeEndRequest, id,
		fcgiproto.EncodeEndRequestBody(0, fcgiproto.StatusRequestComplete)); err != nil {
		t.Fatalf("write END_REQUEST: %v", err)
	}

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(gotOutput, []byte("hello")) {
		t.Fatalf("output = %q", gotOutput)
	}
}

func TestSendRequestRejectedWhenMpxsDisabledAndRequestLive(t *testing.T) {
	c, srv := connectClient(t, false)
	_ = srv

	first := c.SendRequest(nil, nil, nil)
	if first == 0 {
		t.Fatal("first SendRequest returned 0")
	}
	// drain BEGIN_REQUEST + PARAMS terminator so the server side doesn't block
	go func() {
		for i := 0; i < 2; i++ {
			if _, err := srv.ReadRecord(); err != nil {
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	second := c.SendRequest(nil, nil, nil)
	if second != 0 {
		t.Fatalf("second SendRequest = %d, want 0 (MPXS_CONNS=0, request already live)", second)
	}
}

func TestAbortRequestSuppressesOutputAndStderr(t *testing.T) {
	c, srv := connectClient(t, true)

	var gotOutput []byte
	completed := make(chan struct{})
	id := c.SendRequest(nil,
		func(_ uint16, data []byte) { gotOutput = append(gotOutput, data...) },
		func() { close(completed) })

	for i := 0; i < 2; i++ {
		if _, err := srv.ReadRecord(); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}

	if !c.AbortRequest(id) {
		t.Fatal("AbortRequest returned false")
	}
	abortRec, err := srv.ReadRecord()
	if err != nil || abortRec.Header.Type != fcgiproto.TypeAbortRequest {
		t.Fatalf("expected ABORT_REQUEST, got %+v err=%v", abortRec.Header, err)
	}

	_ = srv.WriteRecord(fcgiproto.TypeStdout, id, []byte("should not arrive"))
	_ = srv.WriteRecord(fcgiproto.TypeStderr, id, []byte("should not arrive either"))
	_ = srv.WriteRecord(fcgiproto.TypeEndRequest, id,
		fcgiproto.EncodeEndRequestBody(0, fcgiproto.StatusRequestComplete))

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never fired after abort")
	}
	if len(gotOutput) != 0 {
		t.Fatalf("output delivered after abort: %q", gotOutput)
	}
}

func TestCloseForceCompletesLiveRequests(t *testing.T) {
	c, srv := connectClient(t, true)
	defer srv.Close()

	completed := make(chan struct{})
	id := c.SendRequest(nil, nil, func() { close(completed) })
	if id == 0 {
		t.Fatal("SendRequest returned 0")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never fired on Close")
	}
	if c.IsConnected() {
		t.Fatal("IsConnected() = true after Close")
	}
}
