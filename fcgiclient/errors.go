package fcgiclient

import "errors"

// ErrNotConnected is returned by SendRequest-adjacent calls that require
// a live transport when none exists — though per §4.2, SendRequest
// itself signals this by returning requestId 0 rather than an error, to
// match the spec's public surface.
var ErrNotConnected = errors.New("fcgiclient: not connected")

// ErrNegotiationTimeout is returned by Connect when the 500ms GET_VALUES
// wait elapses with no GET_VALUES_RESULT from the peer.
var ErrNegotiationTimeout = errors.New("fcgiclient: capability negotiation timed out")
