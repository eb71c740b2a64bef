// Package bencode decodes the BitTorrent bencode encoding: integers,
// byte-strings, lists and dictionaries.
//
// Decode itself accepts any dictionary key (duplicates are rejected);
// strict mode, where an unrecognised key is an error, is applied by
// callers through CheckKnownKeys, which metainfo does for the root and
// info dictionaries. Nesting beyond MaxDepth fails with corerr.MalformedInput.
package bencode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

// MaxDepth bounds dictionary/list nesting. A torrent's root dictionary
// plus its info dictionary plus one optional list is depth 3.
const MaxDepth = 3

// Kind identifies which of the four bencode lexical forms a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a decoded bencode node. Exactly one of Int/Str/List/Dict is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	Dict map[string]Value
}

// Decode reads one bencode value from r.
func Decode(r io.Reader) (Value, error) {
	br := bufioReader(r)
	v, err := decodeValue(br, 0)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

func bufioReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func decodeValue(r *bufio.Reader, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, corerr.New(corerr.MalformedInput, "decode", fmt.Errorf("nesting depth exceeds %d", MaxDepth))
	}
	b, err := r.ReadByte()
	if err != nil {
		return Value{}, corerr.New(corerr.MalformedInput, "decode", err)
	}
	switch {
	case b == 'i':
		return decodeInt(r)
	case b == 'l':
		return decodeList(r, depth)
	case b == 'd':
		return decodeDict(r, depth)
	case b >= '0' && b <= '9':
		r.UnreadByte()
		return decodeString(r)
	default:
		return Value{}, corerr.New(corerr.MalformedInput, "decode", fmt.Errorf("unexpected lead byte %q", b))
	}
}

func decodeInt(r *bufio.Reader) (Value, error) {
	s, err := r.ReadString('e')
	if err != nil {
		return Value{}, corerr.New(corerr.MalformedInput, "decode int", err)
	}
	s = s[:len(s)-1]
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Value{}, corerr.New(corerr.MalformedInput, "decode int", err)
	}
	return Value{Kind: KindInt, Int: n}, nil
}

func decodeString(r *bufio.Reader) (Value, error) {
	lenStr, err := r.ReadString(':')
	if err != nil {
		return Value{}, corerr.New(corerr.MalformedInput, "decode string", err)
	}
	lenStr = lenStr[:len(lenStr)-1]
	n, err := strconv.ParseUint(lenStr, 10, 63)
	if err != nil {
		return Value{}, corerr.New(corerr.MalformedInput, "decode string", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Value{}, corerr.New(corerr.MalformedInput, "decode string", err)
	}
	return Value{Kind: KindString, Str: buf}, nil
}

func decodeList(r *bufio.Reader, depth int) (Value, error) {
	var list []Value
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, corerr.New(corerr.MalformedInput, "decode list", err)
		}
		if b == 'e' {
			return Value{Kind: KindList, List: list}, nil
		}
		r.UnreadByte()
		v, err := decodeValue(r, depth+1)
		if err != nil {
			return Value{}, err
		}
		list = append(list, v)
	}
}

func decodeDict(r *bufio.Reader, depth int) (Value, error) {
	dict := make(map[string]Value)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, corerr.New(corerr.MalformedInput, "decode dict", err)
		}
		if b == 'e' {
			return Value{Kind: KindDict, Dict: dict}, nil
		}
		r.UnreadByte()
		keyVal, err := decodeValue(r, depth+1)
		if err != nil {
			return Value{}, err
		}
		if keyVal.Kind != KindString {
			return Value{}, corerr.New(corerr.MalformedInput, "decode dict", fmt.Errorf("dictionary key is not a byte-string"))
		}
		key := string(keyVal.Str)
		if _, dup := dict[key]; dup {
			return Value{}, corerr.New(corerr.MalformedInput, "decode dict", fmt.Errorf("duplicate key %q", key))
		}
		val, err := decodeValue(r, depth+1)
		if err != nil {
			return Value{}, err
		}
		dict[key] = val
	}
}

// Require looks up a required key in a dictionary Value, failing with
// corerr.MissingField if absent.
func Require(dict map[string]Value, key string) (Value, error) {
	v, ok := dict[key]
	if !ok {
		return Value{}, corerr.New(corerr.MissingField, key, fmt.Errorf("missing key %q", key))
	}
	return v, nil
}

// CheckKnownKeys fails with corerr.MalformedInput if dict contains any key
// not present in allowed, implementing the decoder's strict mode for the
// root and info dictionaries.
func CheckKnownKeys(dict map[string]Value, allowed map[string]bool) error {
	for k := range dict {
		if !allowed[k] {
			return corerr.New(corerr.MalformedInput, "unexpected field", fmt.Errorf("unexpected key %q", k))
		}
	}
	return nil
}
