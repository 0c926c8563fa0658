package fcgiproto

import (
	"strings"
	"testing"
)

func TestNVRoundtrip(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"short pair", "METHOD", "POST"},
		{"empty value", "QUERY_STRING", ""},
		{"empty key", "", "x"},
		{"127-byte key is one-byte encoded", strings.Repeat("k", 127), "v"},
		{"128-byte key is four-byte encoded", strings.Repeat("k", 128), "v"},
		{"large value", "BODY", strings.Repeat("z", 1<<16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeNV(nil, tt.key, tt.value)
			if err != nil {
				t.Fatalf("EncodeNV: %v", err)
			}

			wantOneByteKeyLen := len(tt.key) <= maxOneByteLen
			gotOneByteKeyLen := buf[0]>>7 == 0
			if wantOneByteKeyLen != gotOneByteKeyLen {
				t.Fatalf("key length prefix one-byte = %v, want %v", gotOneByteKeyLen, wantOneByteKeyLen)
			}

			key, value, consumed, err := DecodeNV(buf)
			if err != nil {
				t.Fatalf("DecodeNV: %v", err)
			}
			if key != tt.key || value != tt.value {
				t.Fatalf("DecodeNV = (%q, %q), want (%q, %q)", key, value, tt.key, tt.value)
			}
			if consumed != len(buf) {
				t.Fatalf("consumed = %d, want %d", consumed, len(buf))
			}
		})
	}
}

func TestDecodeNVShortReadFails(t *testing.T) {
	buf, err := EncodeNV(nil, "key", "value")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := DecodeNV(buf[:len(buf)-1]); err != ErrTruncatedFrame {
		t.Fatalf("DecodeNV(truncated): err = %v, want ErrTruncatedFrame", err)
	}
}

func TestEncodeNVPairsDecodesBackToSameMap(t *testing.T) {
	m := map[string]string{
		"REQUEST_METHOD": "GET",
		"SCRIPT_NAME":    "/index.php",
		"QUERY_STRING":   "",
	}
	buf, err := EncodeNVPairs(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeNVPairs(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(m) {
		t.Fatalf("got %d pairs, want %d", len(got), len(m))
	}
	for k, v := range m {
		if got[k] != v {
			t.Fatalf("got[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestDecodeNVPairsDuplicateKeyLaterWins(t *testing.T) {
	var buf []byte
	buf, _ = EncodeNV(buf, "KEY", "first")
	buf, _ = EncodeNV(buf, "KEY", "second")

	got, err := DecodeNVPairs(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got["KEY"] != "second" {
		t.Fatalf("got[KEY] = %q, want %q", got["KEY"], "second")
	}
}

func TestSequentialNVConsumedAdvancesCursor(t *testing.T) {
	var buf []byte
	buf, _ = EncodeNV(buf, "A", "1")
	buf, _ = EncodeNV(buf, "BB", "22")

	k1, v1, n1, err := DecodeNV(buf)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != "A" || v1 != "1" {
		t.Fatalf("first pair = (%q, %q)", k1, v1)
	}

	k2, v2, n2, err := DecodeNV(buf[n1:])
	if err != nil {
		t.Fatal(err)
	}
	if k2 != "BB" || v2 != "22" {
		t.Fatalf("second pair = (%q, %q)", k2, v2)
	}
	if n1+n2 != len(buf) {
		t.Fatalf("n1+n2 = %d, want %d", n1+n2, len(buf))
	}
}
