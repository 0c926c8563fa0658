package fcgitransport

import "errors"

// ErrProtocolViolation names the case of a peer sending a record the
// state machine doesn't allow: a duplicate requestId on BEGIN_REQUEST,
// PARAMS/STDIN against an unknown request, or any record type the state
// machine doesn't expect. No function in this module returns it:
// fcgiserver's dispatch loop closes the transport directly on such a
// record.
var ErrProtocolViolation = errors.New("fcgitransport: protocol violation")
