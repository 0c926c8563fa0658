package iobridge

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestOutputSinkFramesExactByteCount(t *testing.T) {
	var framed [][]byte
	sink := NewOutputSink(func(p []byte) error {
		cp := append([]byte(nil), p...)
		framed = append(framed, cp)
		return nil
	})

	n, err := sink.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if len(framed) != 1 || !bytes.Equal(framed[0], []byte("hello")) {
		t.Fatalf("framed = %v", framed)
	}
}

func TestOutputSinkPropagatesFrameError(t *testing.T) {
	sink := NewOutputSink(func(p []byte) error {
		return io.ErrClosedPipe
	})
	if _, err := sink.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Fatalf("err = %v, want io.ErrClosedPipe", err)
	}
}

func TestInputQueueReadsFrontToBackAcrossChunks(t *testing.T) {
	q := NewInputQueue()
	q.Push([]byte("hel"))
	q.Push([]byte("lo"))
	q.CloseEOF()

	got, err := io.ReadAll(q)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestInputQueueBlocksUntilDataOrEOF(t *testing.T) {
	q := NewInputQueue()

	readDone := make(chan struct{})
	var got []byte
	var readErr error
	go func() {
		got, readErr = io.ReadAll(q)
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("Read returned before any data or EOF was available")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push([]byte("data"))
	q.CloseEOF()

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Push+CloseEOF")
	}
	if readErr != nil {
		t.Fatalf("readErr = %v", readErr)
	}
	if string(got) != "data" {
		t.Fatalf("got %q", got)
	}
}

func TestInputQueueEmptyEOFReturnsImmediately(t *testing.T) {
	q := NewInputQueue()
	q.CloseEOF()

	buf := make([]byte, 4)
	n, err := q.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read on empty+EOF queue: n=%d err=%v", n, err)
	}
}

func TestInputQueuePushAfterEOFIgnored(t *testing.T) {
	q := NewInputQueue()
	q.CloseEOF()
	q.Push([]byte("too late"))

	buf := make([]byte, 16)
	n, err := q.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read after late Push: n=%d err=%v", n, err)
	}
}
