package bencode

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

func TestDecodeInt(t *testing.T) {
	v, err := Decode(strings.NewReader("i42e"))
	require.NoError(t, err)
	assert.Equal(t, KindInt, v.Kind)
	assert.EqualValues(t, 42, v.Int)
}

func TestDecodeNegativeInt(t *testing.T) {
	v, err := Decode(strings.NewReader("i-7e"))
	require.NoError(t, err)
	assert.EqualValues(t, -7, v.Int)
}

func TestDecodeString(t *testing.T) {
	v, err := Decode(strings.NewReader("4:spam"))
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind)
	assert.Equal(t, "spam", string(v.Str))
}

func TestDecodeList(t *testing.T) {
	v, err := Decode(strings.NewReader("l4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind)
	require.Len(t, v.List, 2)
	assert.Equal(t, "spam", string(v.List[0].Str))
	assert.Equal(t, "eggs", string(v.List[1].Str))
}

func TestDecodeDict(t *testing.T) {
	v, err := Decode(strings.NewReader("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind)
	assert.Equal(t, "moo", string(v.Dict["cow"].Str))
	assert.Equal(t, "eggs", string(v.Dict["spam"].Str))
}

func TestDecodeDictRejectsDuplicateKey(t *testing.T) {
	_, err := Decode(strings.NewReader("d3:cow3:moo3:cow3:mooe"))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MalformedInput))
}

func TestDecodeDictRejectsNonStringKey(t *testing.T) {
	_, err := Decode(strings.NewReader("di1e3:mooe"))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MalformedInput))
}

func TestDecodeRejectsExcessiveDepth(t *testing.T) {
	// five nested lists exceeds MaxDepth=3
	_, err := Decode(strings.NewReader("lllllee eee"))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MalformedInput))
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := Decode(strings.NewReader("d3:cow3:mo"))
	require.Error(t, err)
}

func TestRequireMissingField(t *testing.T) {
	_, err := Require(map[string]Value{}, "name")
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MissingField))
}

func TestRequirePresent(t *testing.T) {
	dict := map[string]Value{"name": {Kind: KindString, Str: []byte("x")}}
	v, err := Require(dict, "name")
	require.NoError(t, err)
	assert.Equal(t, "x", string(v.Str))
}

func TestCheckKnownKeysRejectsUnexpected(t *testing.T) {
	dict := map[string]Value{"name": {}, "extra": {}}
	err := CheckKnownKeys(dict, map[string]bool{"name": true})
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MalformedInput))
}

func TestCheckKnownKeysAcceptsSubset(t *testing.T) {
	dict := map[string]Value{"name": {}}
	err := CheckKnownKeys(dict, map[string]bool{"name": true, "length": true})
	require.NoError(t, err)
}

func TestInfoSpanLocatesValue(t *testing.T) {
	raw := []byte("d8:announce3:foo4:infod6:lengthi10e4:name3:fooee")
	start, end, err := InfoSpan(raw)
	require.NoError(t, err)
	assert.Equal(t, "d6:lengthi10e4:name3:fooe", string(raw[start:end]))
}

func TestInfoSpanNoInfoKey(t *testing.T) {
	_, _, err := InfoSpan([]byte("d8:announce3:fooe"))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MissingField))
}

func TestInfoSpanHandlesNestedDictsAndLists(t *testing.T) {
	// info value contains a nested list and dict, to exercise depth tracking
	raw := []byte("d4:infod5:filesld6:lengthi1ee4:name4:filee6:pieces4:abcde")
	start, end, err := InfoSpan(raw)
	require.NoError(t, err)
	assert.Equal(t, "d5:filesld6:lengthi1ee4:name4:filee", string(raw[start:end]))
}

// TestInfoHashInvariant builds a minimal bencoded metainfo in-memory and
// verifies that hashing the InfoSpan byte range agrees with an
// independently-written re-scan, per spec's info-hash invariant.
func TestInfoHashInvariant(t *testing.T) {
	info := "d6:lengthi16384e4:name8:test.iso12:piece lengthi16384e6:pieces20:" + strings.Repeat("x", 20) + "e"
	raw := []byte("d8:announce14:udp://tracker/4:info" + info + "e")

	start, end, err := InfoSpan(raw)
	require.NoError(t, err)
	got := sha1.Sum(raw[start:end])

	// independent re-scan: find "4:info" then balance brackets by hand
	markerAt := bytes.Index(raw, []byte("4:info"))
	require.GreaterOrEqual(t, markerAt, 0)
	valueStart := markerAt + len("4:info")
	depth := 0
	i := valueStart
	for {
		switch raw[i] {
		case 'd', 'l':
			depth++
			i++
		case 'e':
			depth--
			i++
			if depth == 0 {
				goto done
			}
		case 'i':
			for raw[i] != 'e' {
				i++
			}
			i++
		default:
			j := i
			for raw[j] != ':' {
				j++
			}
			n := 0
			for _, c := range raw[i:j] {
				n = n*10 + int(c-'0')
			}
			i = j + 1 + n
		}
	}
done:
	want := sha1.Sum(raw[valueStart:i])
	assert.Equal(t, want, got)
}
