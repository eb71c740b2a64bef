// Package metainfo decodes .torrent files into a validated in-memory
// representation and derives their info-hash.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/gopherlabs/bittorrent-core/bencode"
	"github.com/gopherlabs/bittorrent-core/corerr"
)

// InfoHash is the SHA-1 digest of the bencoded info dictionary's exact
// original bytes.
type InfoHash [sha1.Size]byte

// Info describes the single file this client downloads.
type Info struct {
	Name        string
	Length      int64
	PieceLength int64
	Pieces      [][sha1.Size]byte
}

// Metainfo is a parsed .torrent file.
type Metainfo struct {
	Announce     string
	Info         Info
	InfoHash     InfoHash
	Comment      string
	CreatedBy    string
	CreationDate int64
	HTTPSeeds    []string
	URLList      []string
}

var rootKnownKeys = map[string]bool{
	"announce":      true,
	"info":          true,
	"comment":       true,
	"created by":    true,
	"creation date": true,
	"httpseeds":     true,
	"url-list":      true,
	"encoding":      true,
	"announce-list": true,
}

var infoKnownKeys = map[string]bool{
	"name":         true,
	"length":       true,
	"piece length": true,
	"pieces":       true,
	"private":      true,
	"md5sum":       true,
}

// Load reads and validates a .torrent file at path.
func Load(path string) (Metainfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metainfo{}, corerr.New(corerr.Io, "read torrent file", err)
	}
	return Parse(raw)
}

// Parse decodes raw .torrent bytes into a Metainfo, computing InfoHash from
// the original info dictionary byte range rather than from a re-serialized
// copy, per the cross-client info-hash agreement requirement.
func Parse(raw []byte) (Metainfo, error) {
	root, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return Metainfo{}, err
	}
	if root.Kind != bencode.KindDict {
		return Metainfo{}, corerr.New(corerr.MalformedInput, "root", fmt.Errorf("root value is not a dictionary"))
	}
	if err := bencode.CheckKnownKeys(root.Dict, rootKnownKeys); err != nil {
		return Metainfo{}, err
	}

	announceVal, err := bencode.Require(root.Dict, "announce")
	if err != nil {
		return Metainfo{}, err
	}
	infoVal, err := bencode.Require(root.Dict, "info")
	if err != nil {
		return Metainfo{}, err
	}
	if infoVal.Kind != bencode.KindDict {
		return Metainfo{}, corerr.New(corerr.MalformedInput, "info", fmt.Errorf("info value is not a dictionary"))
	}
	if err := bencode.CheckKnownKeys(infoVal.Dict, infoKnownKeys); err != nil {
		return Metainfo{}, err
	}

	info, err := parseInfo(infoVal.Dict)
	if err != nil {
		return Metainfo{}, err
	}

	start, end, err := bencode.InfoSpan(raw)
	if err != nil {
		return Metainfo{}, err
	}
	hash := sha1.Sum(raw[start:end])

	m := Metainfo{
		Announce: string(announceVal.Str),
		Info:     info,
		InfoHash: hash,
	}
	if v, ok := root.Dict["comment"]; ok {
		m.Comment = string(v.Str)
	}
	if v, ok := root.Dict["created by"]; ok {
		m.CreatedBy = string(v.Str)
	}
	if v, ok := root.Dict["creation date"]; ok {
		m.CreationDate = v.Int
	}
	if v, ok := root.Dict["httpseeds"]; ok && v.Kind == bencode.KindList {
		for _, s := range v.List {
			m.HTTPSeeds = append(m.HTTPSeeds, string(s.Str))
		}
	}
	if v, ok := root.Dict["url-list"]; ok && v.Kind == bencode.KindList {
		for _, s := range v.List {
			m.URLList = append(m.URLList, string(s.Str))
		}
	}
	return m, nil
}

func parseInfo(dict map[string]bencode.Value) (Info, error) {
	nameVal, err := bencode.Require(dict, "name")
	if err != nil {
		return Info{}, err
	}
	lengthVal, err := bencode.Require(dict, "length")
	if err != nil {
		return Info{}, err
	}
	pieceLengthVal, err := bencode.Require(dict, "piece length")
	if err != nil {
		return Info{}, err
	}
	piecesVal, err := bencode.Require(dict, "pieces")
	if err != nil {
		return Info{}, err
	}

	if lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
		return Info{}, corerr.New(corerr.MalformedInput, "length", fmt.Errorf("length must be a non-negative integer"))
	}
	if pieceLengthVal.Kind != bencode.KindInt || pieceLengthVal.Int <= 0 {
		return Info{}, corerr.New(corerr.MalformedInput, "piece length", fmt.Errorf("piece length must be positive"))
	}
	if len(piecesVal.Str)%sha1.Size != 0 {
		return Info{}, corerr.New(corerr.MalformedInput, "pieces", fmt.Errorf("pieces length %d is not a multiple of %d", len(piecesVal.Str), sha1.Size))
	}

	n := len(piecesVal.Str) / sha1.Size
	pieces := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(pieces[i][:], piecesVal.Str[i*sha1.Size:(i+1)*sha1.Size])
	}

	wantPieces := expectedPieceCount(lengthVal.Int, pieceLengthVal.Int)
	if wantPieces != n {
		return Info{}, corerr.New(corerr.MalformedInput, "pieces", fmt.Errorf("expected %d pieces for length %d at piece length %d, got %d", wantPieces, lengthVal.Int, pieceLengthVal.Int, n))
	}

	return Info{
		Name:        string(nameVal.Str),
		Length:      lengthVal.Int,
		PieceLength: pieceLengthVal.Int,
		Pieces:      pieces,
	}, nil
}

// expectedPieceCount returns ceil(length / pieceLength), the number of
// pieces a conforming .torrent file must declare.
func expectedPieceCount(length, pieceLength int64) int {
	if length == 0 {
		return 0
	}
	return int((length + pieceLength - 1) / pieceLength)
}

// PieceSize returns the byte size of piece i, accounting for the final
// piece being shorter than PieceLength when Length is not an exact
// multiple of it.
func (info Info) PieceSize(i int) int64 {
	n := len(info.Pieces)
	if i == n-1 {
		return info.Length - int64(n-1)*info.PieceLength
	}
	return info.PieceLength
}
