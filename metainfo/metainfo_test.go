package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopherlabs/bittorrent-core/bencode"
	"github.com/gopherlabs/bittorrent-core/corerr"
)

func buildTorrent(t *testing.T, piece [sha1.Size]byte) []byte {
	t.Helper()
	info := "d6:lengthi16384e4:name8:test.iso12:piece lengthi16384e6:pieces20:" + string(piece[:]) + "e"
	return []byte("d8:announce14:udp://tracker/4:info" + info + "e")
}

func TestParseValidTorrent(t *testing.T) {
	var piece [sha1.Size]byte
	copy(piece[:], strings.Repeat("x", sha1.Size))
	raw := buildTorrent(t, piece)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "udp://tracker/", m.Announce)
	assert.Equal(t, "test.iso", m.Info.Name)
	assert.EqualValues(t, 16384, m.Info.Length)
	assert.EqualValues(t, 16384, m.Info.PieceLength)
	require.Len(t, m.Info.Pieces, 1)
	assert.Equal(t, piece, m.Info.Pieces[0])

	start, end, err := bencode.InfoSpan(raw)
	require.NoError(t, err)
	want := sha1.Sum(raw[start:end])
	assert.Equal(t, InfoHash(want), m.InfoHash)
}

func TestParseRejectsUnknownRootKey(t *testing.T) {
	raw := []byte("d8:announce3:foo4:infod4:name1:x6:lengthi1e12:piece lengthi1e6:pieces20:" + strings.Repeat("a", 20) + "e7:unknown1:xe")
	_, err := Parse(raw)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MalformedInput))
}

func TestParseRejectsBadPieceCount(t *testing.T) {
	// declares length that needs 2 pieces but supplies only 1 hash
	raw := []byte("d8:announce3:foo4:infod4:name1:x6:lengthi20000e12:piece lengthi16384e6:pieces20:" + strings.Repeat("a", 20) + "ee")
	_, err := Parse(raw)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MalformedInput))
}

func TestParseRejectsNonMultiplePiecesField(t *testing.T) {
	raw := []byte("d8:announce3:foo4:infod4:name1:x6:lengthi1e12:piece lengthi1e6:pieces3:abcee")
	_, err := Parse(raw)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.MalformedInput))
}

func TestPieceSizeLastPieceShorter(t *testing.T) {
	info := Info{Length: 100, PieceLength: 40, Pieces: make([][sha1.Size]byte, 3)}
	assert.EqualValues(t, 40, info.PieceSize(0))
	assert.EqualValues(t, 40, info.PieceSize(1))
	assert.EqualValues(t, 20, info.PieceSize(2))
}

func TestExpectedPieceCount(t *testing.T) {
	assert.Equal(t, 3, expectedPieceCount(100, 40))
	assert.Equal(t, 1, expectedPieceCount(40, 40))
	assert.Equal(t, 0, expectedPieceCount(0, 40))
}
