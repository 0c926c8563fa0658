package fcgiproto

import "errors"

// ErrMalformedFrame is returned when a header fails to decode: too few
// bytes, or a version other than 1.
var ErrMalformedFrame = errors.New("fcgiproto: malformed frame")

// ErrTruncatedFrame is returned when a name-value pair or a fixed-size
// body is decoded from fewer bytes than its declared length promises.
var ErrTruncatedFrame = errors.New("fcgiproto: truncated frame")

// ErrOversizedName is returned by EncodeNV when a key or value length
// does not fit the 31-bit length field (>= 2^31).
var ErrOversizedName = errors.New("fcgiproto: name or value length exceeds 2^31-1")
