// Package filestore manages the single on-disk file a torrent downloads
// into: lazy piece residency, hash verification, and pre-allocation.
package filestore

import (
	"crypto/sha1"
	"fmt"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/gopherlabs/bittorrent-core/corerr"
	"github.com/gopherlabs/bittorrent-core/metainfo"
)

// FileStore is the piece-addressed view over one backing file. A piece
// is "resident" once FlushPiece has verified its hash; residency is
// tracked independently of on-disk content so a freshly allocated file
// full of zero bytes is not mistaken for a verified piece.
type FileStore struct {
	file     *os.File
	info     metainfo.Info
	resident []bool

	loads singleflight.Group
}

// Open allocates (or reopens) the backing file at path for info. If the
// file already exists with a different size than info.Length, Open fails
// with corerr.AlreadyExists, mirroring a conflicting previous download at
// that path rather than silently truncating it.
func Open(path string, info metainfo.Info) (*FileStore, error) {
	meta, err := os.Stat(path)
	switch {
	case err == nil:
		if meta.IsDir() {
			return nil, corerr.New(corerr.AlreadyExists, "open", fmt.Errorf("%s is a directory", path))
		}
		if meta.Size() != info.Length {
			return nil, corerr.New(corerr.AlreadyExists, "open", fmt.Errorf("%s exists with size %d, expected %d", path, meta.Size(), info.Length))
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, corerr.New(corerr.Io, "open existing file", err)
		}
		return &FileStore{file: f, info: info, resident: make([]bool, len(info.Pieces))}, nil

	case os.IsNotExist(err):
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, corerr.New(corerr.Io, "create file", err)
		}
		if err := preallocate(f, info.Length); err != nil {
			f.Close()
			os.Remove(path)
			return nil, corerr.New(corerr.Io, "preallocate", err)
		}
		return &FileStore{file: f, info: info, resident: make([]bool, len(info.Pieces))}, nil

	default:
		return nil, corerr.New(corerr.Io, "stat", err)
	}
}

// Close releases the backing file descriptor.
func (s *FileStore) Close() error {
	return s.file.Close()
}

// PieceCount returns the number of pieces in the torrent.
func (s *FileStore) PieceCount() int {
	return len(s.info.Pieces)
}

// HasPiece reports whether the most recent FlushPiece of piece i
// verified its hash.
func (s *FileStore) HasPiece(i int) bool {
	return s.resident[i]
}

// LoadPiece reads piece i's full bytes from disk. Concurrent calls for the
// same index are coalesced onto a single read via singleflight, so a
// dozen peers requesting blocks from a freshly-verified piece cause one
// disk read, not a dozen.
func (s *FileStore) LoadPiece(i int) ([]byte, error) {
	if i < 0 || i >= len(s.info.Pieces) {
		return nil, corerr.New(corerr.MalformedInput, "load piece", fmt.Errorf("piece index %d out of range", i))
	}
	key := fmt.Sprintf("%d", i)
	v, err, _ := s.loads.Do(key, func() (interface{}, error) {
		buf := make([]byte, s.info.PieceSize(i))
		if _, err := s.file.ReadAt(buf, s.offset(i)); err != nil {
			return nil, corerr.New(corerr.Io, "read piece", err)
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SubPiece returns the [begin, begin+length) slice of piece i.
func (s *FileStore) SubPiece(i, begin, length int) ([]byte, error) {
	piece, err := s.LoadPiece(i)
	if err != nil {
		return nil, err
	}
	if begin < 0 || length < 0 || begin+length > len(piece) {
		return nil, corerr.New(corerr.MalformedInput, "sub piece", fmt.Errorf("range [%d,%d) out of bounds for piece of length %d", begin, begin+length, len(piece)))
	}
	return piece[begin : begin+length], nil
}

// WriteSubPiece writes a block at [begin, begin+len(data)) of piece i. The
// piece is not marked resident until FlushPiece verifies its hash.
func (s *FileStore) WriteSubPiece(i, begin int, data []byte) error {
	if i < 0 || i >= len(s.info.Pieces) {
		return corerr.New(corerr.MalformedInput, "write sub piece", fmt.Errorf("piece index %d out of range", i))
	}
	if begin < 0 || int64(begin+len(data)) > s.info.PieceSize(i) {
		return corerr.New(corerr.MalformedInput, "write sub piece", fmt.Errorf("block [%d,%d) exceeds piece size %d", begin, begin+len(data), s.info.PieceSize(i)))
	}
	if _, err := s.file.WriteAt(data, s.offset(i)+int64(begin)); err != nil {
		return corerr.New(corerr.Io, "write sub piece", err)
	}
	return nil
}

// FlushPiece verifies piece i's on-disk bytes against its expected hash
// and, on success, marks it resident. On mismatch the piece is left
// non-resident so the caller can re-request its blocks.
func (s *FileStore) FlushPiece(i int) (bool, error) {
	if i < 0 || i >= len(s.info.Pieces) {
		return false, corerr.New(corerr.MalformedInput, "flush piece", fmt.Errorf("piece index %d out of range", i))
	}
	s.loads.Forget(fmt.Sprintf("%d", i))
	buf := make([]byte, s.info.PieceSize(i))
	if _, err := s.file.ReadAt(buf, s.offset(i)); err != nil {
		return false, corerr.New(corerr.Io, "flush piece", err)
	}
	got := sha1.Sum(buf)
	ok := got == s.info.Pieces[i]
	s.resident[i] = ok
	return ok, nil
}

func (s *FileStore) offset(i int) int64 {
	return int64(i) * s.info.PieceLength
}
