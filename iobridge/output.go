// Package iobridge presents the two byte streams a FastCGI Server hands
// its user handler (§4.4): a writable output sink that frames every write
// onto the owning transport, and a readable input queue fed by buffered
// STDIN chunks.
//
// Both types replace the source's raw streambuf/void* plumbing (§9's
// "shared-pointer-to-pointer streams" note) with plain io.Writer/io.Reader
// implementations owned by the request bundle, which is the idiomatic Go
// shape the design notes call for.
package iobridge

import "io"

// FrameFunc frames exactly len(p) bytes onto the owning transport (a
// zero-length call is used by the caller to emit a terminator and is a
// no-op for OutputSink itself — see fcgiserver, which writes the
// STDOUT-eof record with its transport's WriteRecord instead of through
// Write).
type FrameFunc func(p []byte) error

// OutputSink is the writable stream presented to a Server handler as its
// output. Every Write call synchronously frames the bytes onto the
// transport via FrameFunc: no partial writes, no internal buffering
// beyond the single call, matching §4.4 exactly.
type OutputSink struct {
	frame FrameFunc
}

// NewOutputSink wraps frame as an io.Writer.
func NewOutputSink(frame FrameFunc) *OutputSink {
	return &OutputSink{frame: frame}
}

// Write frames p in its entirety or returns an error; it never reports a
// short write.
func (s *OutputSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.frame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

var _ io.Writer = (*OutputSink)(nil)
