package fcgiproto

import "encoding/binary"

// maxOneByteLen is the largest length the one-byte encoding can carry:
// the high bit must be clear, so values 0..127 only.
const maxOneByteLen = 0x7F

// fourByteLenMask clears the high "this is a four-byte length" bit once
// the four bytes have been reassembled into a uint32.
const fourByteLenMask = 0x7FFFFFFF

// encodeLen appends the one-byte or four-byte length prefix for n to buf.
func encodeLen(buf []byte, n int) ([]byte, error) {
	if n < 0 || uint64(n) > fourByteLenMask {
		return nil, ErrOversizedName
	}
	if n <= maxOneByteLen {
		return append(buf, byte(n)), nil
	}
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(n)|0x80000000)
	return append(buf, lb[:]...), nil
}

// decodeLen reads a one-byte or four-byte length prefix from the front of
// b, returning the length, the number of bytes consumed, and an error if
// b is too short to hold the prefix it claims to have.
func decodeLen(b []byte) (n int, consumed int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrTruncatedFrame
	}
	if b[0]>>7 == 0 {
		return int(b[0]), 1, nil
	}
	if len(b) < 4 {
		return 0, 0, ErrTruncatedFrame
	}
	v := binary.BigEndian.Uint32(b[0:4]) & fourByteLenMask
	return int(v), 4, nil
}

// EncodeNV appends one FastCGI name-value pair encoding of (key, value)
// to buf and returns the extended slice. A key or value whose length
// does not fit 31 bits is an error; the pair is otherwise emitted
// regardless of how large it is — splitting oversized parameter sets
// across multiple PARAMS records is the caller's responsibility
// (fcgiclient.SendRequest does this at the 16300-byte PARAMS boundary).
func EncodeNV(buf []byte, key, value string) ([]byte, error) {
	buf, err := encodeLen(buf, len(key))
	if err != nil {
		return nil, err
	}
	buf, err = encodeLen(buf, len(value))
	if err != nil {
		return nil, err
	}
	buf = append(buf, key...)
	buf = append(buf, value...)
	return buf, nil
}

// DecodeNV decodes a single name-value pair from the front of b,
// returning the key, value, and the number of bytes consumed. A short
// read (b doesn't hold the key+value bytes its length prefixes promise)
// fails with ErrTruncatedFrame.
func DecodeNV(b []byte) (key, value string, consumed int, err error) {
	keyLen, n1, err := decodeLen(b)
	if err != nil {
		return "", "", 0, err
	}
	rest := b[n1:]
	valLen, n2, err := decodeLen(rest)
	if err != nil {
		return "", "", 0, err
	}
	rest = rest[n2:]
	need := keyLen + valLen
	if len(rest) < need {
		return "", "", 0, ErrTruncatedFrame
	}
	key = string(rest[:keyLen])
	value = string(rest[keyLen : keyLen+valLen])
	consumed = n1 + n2 + need
	return key, value, consumed, nil
}

// EncodeNVPairs encodes every pair in m, in unspecified map iteration
// order, concatenated with no separators — exactly the content of a
// PARAMS or GET_VALUES record.
func EncodeNVPairs(m map[string]string) ([]byte, error) {
	var buf []byte
	for k, v := range m {
		var err error
		buf, err = EncodeNV(buf, k, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeNVPairs decodes a full PARAMS/GET_VALUES_RESULT content buffer
// into a map, applying "later values overwrite earlier ones on duplicate
// keys" per the spec's PARAMS invariant.
func DecodeNVPairs(content []byte) (map[string]string, error) {
	m := make(map[string]string)
	for len(content) > 0 {
		k, v, n, err := DecodeNV(content)
		if err != nil {
			return nil, err
		}
		m[k] = v
		content = content[n:]
	}
	return m, nil
}
