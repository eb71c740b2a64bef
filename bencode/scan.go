package bencode

import (
	"bytes"
	"fmt"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

// infoMarker is the key plus value-open marker this scanner locates: the
// literal bytes "4:infod" mark the start of the info dictionary's value.
var infoMarker = []byte("4:infod")

// InfoSpan locates the byte range [start, end) of the value associated
// with key "info" in the outer bencoded dictionary raw, inclusive of the
// value's opening 'd' and terminating 'e'. It does not re-parse or
// re-serialize the value: the caller hashes raw[start:end] directly,
// which is what BitTorrent's cross-client info-hash agreement requires.
//
// The scan is a bracket-balanced walk over bencode tokens starting right
// after the "4:infod" marker: depth increments on 'd'/'l', decrements on
// their matching 'e'; integers are skipped as opaque 'i...e' runs;
// byte-strings are skipped by reading their '<n>:' length prefix and
// advancing n bytes without interpreting them.
func InfoSpan(raw []byte) (start, end int, err error) {
	markerAt := bytes.Index(raw, infoMarker)
	if markerAt < 0 {
		return 0, 0, corerr.New(corerr.MissingField, "info", fmt.Errorf("no info dictionary found"))
	}
	// start is the 'd' that opens the info dictionary value.
	start = markerAt + len(infoMarker) - 1
	idx := start + 1
	depth := 1
	for depth > 0 {
		if idx >= len(raw) {
			return 0, 0, corerr.New(corerr.MalformedInput, "info", fmt.Errorf("unterminated info dictionary"))
		}
		switch c := raw[idx]; {
		case c == 'd' || c == 'l':
			depth++
			idx++
		case c == 'e':
			depth--
			idx++
		case c == 'i':
			idx++
			closeAt := bytes.IndexByte(raw[idx:], 'e')
			if closeAt < 0 {
				return 0, 0, corerr.New(corerr.MalformedInput, "info", fmt.Errorf("unterminated integer"))
			}
			idx += closeAt + 1
		case c >= '0' && c <= '9':
			colonAt := bytes.IndexByte(raw[idx:], ':')
			if colonAt < 0 {
				return 0, 0, corerr.New(corerr.MalformedInput, "info", fmt.Errorf("malformed byte-string length"))
			}
			n, convErr := parseUint(raw[idx : idx+colonAt])
			if convErr != nil {
				return 0, 0, corerr.New(corerr.MalformedInput, "info", convErr)
			}
			idx += colonAt + 1 + n
		default:
			return 0, 0, corerr.New(corerr.MalformedInput, "info", fmt.Errorf("unexpected byte %q at offset %d", c, idx))
		}
	}
	return start, idx, nil
}

func parseUint(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty length")
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit in length: %q", b)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
