// Package fcgiproto implements the stateless wire codec for FastCGI 1.0
// records: the 8-byte header, the BEGIN_REQUEST/END_REQUEST bodies, the
// name-value pair encoding used by PARAMS and GET_VALUES(_RESULT), and the
// padding rule that keeps every record an 8-byte multiple.
//
// Every function here is pure: no state, no I/O beyond the byte slices
// passed in, so fcgiclient and fcgiserver can share it without coupling.
package fcgiproto

import "encoding/binary"

// Version is the only FastCGI protocol version this codec understands.
const Version uint8 = 1

// RecType identifies the payload carried by a record.
type RecType uint8

const (
	TypeBeginRequest    RecType = 1
	TypeAbortRequest    RecType = 2
	TypeEndRequest      RecType = 3
	TypeParams          RecType = 4
	TypeStdin           RecType = 5
	TypeStdout          RecType = 6
	TypeStderr          RecType = 7
	TypeData            RecType = 8
	TypeGetValues       RecType = 9
	TypeGetValuesResult RecType = 10
	TypeUnknownType     RecType = 11
)

func (t RecType) String() string {
	switch t {
	case TypeBeginRequest:
		return "FCGI_BEGIN_REQUEST"
	case TypeAbortRequest:
		return "FCGI_ABORT_REQUEST"
	case TypeEndRequest:
		return "FCGI_END_REQUEST"
	case TypeParams:
		return "FCGI_PARAMS"
	case TypeStdin:
		return "FCGI_STDIN"
	case TypeStdout:
		return "FCGI_STDOUT"
	case TypeStderr:
		return "FCGI_STDERR"
	case TypeData:
		return "FCGI_DATA"
	case TypeGetValues:
		return "FCGI_GET_VALUES"
	case TypeGetValuesResult:
		return "FCGI_GET_VALUES_RESULT"
	case TypeUnknownType:
		return "FCGI_UNKNOWN_TYPE"
	default:
		return "FCGI_UNKNOWN_TYPE"
	}
}

// GoString implements fmt.GoStringer so %#v on a RecType in log lines
// stays readable.
func (t RecType) GoString() string {
	return t.String()
}

// Role values carried in a BEGIN_REQUEST body. Only RoleResponder is
// differentiated; Authorizer and Filter are accepted but handled as
// Responder throughout this module.
const (
	RoleResponder uint16 = 1
	RoleAuthorizer uint16 = 2
	RoleFilter    uint16 = 3
)

// BEGIN_REQUEST flags.
const (
	FlagKeepConn uint8 = 1 << 0
)

// END_REQUEST protocolStatus values.
const (
	StatusRequestComplete uint8 = 0
	StatusCantMultiplex   uint8 = 1
	StatusOverloaded      uint8 = 2
	StatusUnknownRole     uint8 = 3
)

// HeaderLen is the fixed size of an FCGI_Header on the wire.
const HeaderLen = 8

// MaxContentLen is the largest content length a single record's 16-bit
// field can carry.
const MaxContentLen = 0xFFFF

// Header is the decoded form of the 8-byte FCGI_Header.
type Header struct {
	Version       uint8
	Type          RecType
	RequestId     uint16
	ContentLength uint16
	PaddingLength uint8
}

// EncodeHeader writes an 8-byte FCGI_Header. The caller supplies the
// padding length; EncodeHeader does not compute it so that callers who
// already know the correct value (e.g. Pad(len(content))) don't pay for
// it twice.
func EncodeHeader(typ RecType, requestId uint16, contentLength uint16, paddingLength uint8) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = Version
	buf[1] = byte(typ)
	binary.BigEndian.PutUint16(buf[2:4], requestId)
	binary.BigEndian.PutUint16(buf[4:6], contentLength)
	buf[6] = paddingLength
	buf[7] = 0 // reserved
	return buf
}

// DecodeHeader parses an 8-byte FCGI_Header. It fails with
// ErrMalformedFrame if fewer than HeaderLen bytes are supplied or the
// version is not 1.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrMalformedFrame
	}
	h := Header{
		Version:       b[0],
		Type:          RecType(b[1]),
		RequestId:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
	}
	if h.Version != Version {
		return Header{}, ErrMalformedFrame
	}
	return h, nil
}

// Pad returns the FastCGI alignment padding for a content length n: the
// number of zero bytes needed so that HeaderLen+n+padding is a multiple
// of 8. Always in 0..=7.
func Pad(n int) uint8 {
	return uint8((8 - (n % 8)) % 8)
}

// EncodeRecord frames content into one complete record: header + content
// + zero padding. content must not exceed MaxContentLen bytes.
func EncodeRecord(typ RecType, requestId uint16, content []byte) []byte {
	pad := Pad(len(content))
	buf := make([]byte, 0, HeaderLen+len(content)+int(pad))
	buf = append(buf, EncodeHeader(typ, requestId, uint16(len(content)), pad)...)
	buf = append(buf, content...)
	for i := uint8(0); i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// BeginRequestBody is the 8-byte body of a BEGIN_REQUEST record.
type BeginRequestBody struct {
	Role  uint16
	Flags uint8
}

func EncodeBeginRequestBody(role uint16, flags uint8) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], role)
	buf[2] = flags
	return buf
}

func DecodeBeginRequestBody(b []byte) (BeginRequestBody, error) {
	if len(b) < 8 {
		return BeginRequestBody{}, ErrTruncatedFrame
	}
	return BeginRequestBody{
		Role:  binary.BigEndian.Uint16(b[0:2]),
		Flags: b[2],
	}, nil
}

// EndRequestBody is the 8-byte body of an END_REQUEST record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus uint8
}

func EncodeEndRequestBody(appStatus uint32, protocolStatus uint8) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], appStatus)
	buf[4] = protocolStatus
	return buf
}

func DecodeEndRequestBody(b []byte) (EndRequestBody, error) {
	if len(b) < 8 {
		return EndRequestBody{}, ErrTruncatedFrame
	}
	return EndRequestBody{
		AppStatus:      binary.BigEndian.Uint32(b[0:4]),
		ProtocolStatus: b[4],
	}, nil
}

// UnknownTypeBody is the 8-byte body of an UNKNOWN_TYPE record.
type UnknownTypeBody struct {
	Type uint8
}

func EncodeUnknownTypeBody(typ uint8) []byte {
	buf := make([]byte, 8)
	buf[0] = typ
	return buf
}

func DecodeUnknownTypeBody(b []byte) (UnknownTypeBody, error) {
	if len(b) < 8 {
		return UnknownTypeBody{}, ErrTruncatedFrame
	}
	return UnknownTypeBody{Type: b[0]}, nil
}
