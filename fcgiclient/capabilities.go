package fcgiclient

import (
	"strconv"

	"github.com/xpwu/go-fastcgi/fcgiproto"
)

const (
	keyMaxConns  = "FCGI_MAX_CONNS"
	keyMaxReqs   = "FCGI_MAX_REQS"
	keyMpxsConns = "FCGI_MPXS_CONNS"
)

// defaultMaxConnsReqs is 2^32-1, the default when the peer's
// GET_VALUES_RESULT omits a value or the value doesn't parse (§4.2).
const defaultMaxConnsReqs = ^uint32(0)

// capabilities holds the three negotiated values from a GET_VALUES_RESULT.
type capabilities struct {
	maxConns  uint32
	maxReqs   uint32
	mpxsConns bool
}

func defaultCapabilities() capabilities {
	return capabilities{
		maxConns:  defaultMaxConnsReqs,
		maxReqs:   defaultMaxConnsReqs,
		mpxsConns: false,
	}
}

// getValuesBody encodes an FCGI_GET_VALUES content buffer probing for
// the three capability names, each with an empty value per §3's "GET_VALUES:
// name-value pairs with empty values".
func getValuesBody() []byte {
	var buf []byte
	for _, k := range []string{keyMaxConns, keyMaxReqs, keyMpxsConns} {
		buf, _ = fcgiproto.EncodeNV(buf, k, "")
	}
	return buf
}

// parseCapabilities decodes a GET_VALUES_RESULT content buffer into
// capabilities, starting from the defaults and overriding only the
// fields that are present and parse as non-negative integers — a
// non-numeric value is a non-fatal DecodeError per §7: the default for
// that field is kept.
func parseCapabilities(content []byte) capabilities {
	caps := defaultCapabilities()

	nv, err := fcgiproto.DecodeNVPairs(content)
	if err != nil {
		return caps
	}

	if v, ok := nv[keyMaxConns]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			caps.maxConns = uint32(n)
		}
	}
	if v, ok := nv[keyMaxReqs]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			caps.maxReqs = uint32(n)
		}
	}
	if v, ok := nv[keyMpxsConns]; ok {
		caps.mpxsConns = v == "1"
	}

	return caps
}
