// Package handshake implements the BitTorrent peer wire protocol's
// 68-byte handshake frame.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

// Protocol is the pstr field every conforming handshake carries.
const Protocol = "BitTorrent protocol"

// Size is the total byte length of a handshake frame: 1 (pstrlen) +
// len(Protocol) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const Size = 1 + len(Protocol) + 8 + 20 + 20

// Handshake is a decoded handshake frame.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// New builds a handshake with no extension bits set.
func New(infoHash, peerID [20]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Encode writes the frame as explicit field-by-field byte concatenation:
// pstrlen, pstr, reserved, info_hash, peer_id, never by reinterpreting the
// struct's memory layout.
func (h Handshake) Encode() []byte {
	buf := make([]byte, Size)
	buf[0] = byte(len(Protocol))
	off := 1
	copy(buf[off:], Protocol)
	off += len(Protocol)
	copy(buf[off:], h.Reserved[:])
	off += 8
	copy(buf[off:], h.InfoHash[:])
	off += 20
	copy(buf[off:], h.PeerID[:])
	return buf
}

// Decode parses a Size-byte frame, validating pstrlen and pstr exactly
// match the expected protocol string.
func Decode(buf []byte) (Handshake, error) {
	if len(buf) != Size {
		return Handshake{}, corerr.New(corerr.ProtocolViolation, "decode handshake", fmt.Errorf("expected %d bytes, got %d", Size, len(buf)))
	}
	pstrLen := int(buf[0])
	if pstrLen != len(Protocol) {
		return Handshake{}, corerr.New(corerr.ProtocolViolation, "decode handshake", fmt.Errorf("unexpected pstrlen %d", pstrLen))
	}
	off := 1
	if !bytes.Equal(buf[off:off+pstrLen], []byte(Protocol)) {
		return Handshake{}, corerr.New(corerr.ProtocolViolation, "decode handshake", fmt.Errorf("unexpected protocol string %q", buf[off:off+pstrLen]))
	}
	off += pstrLen

	var h Handshake
	copy(h.Reserved[:], buf[off:off+8])
	off += 8
	copy(h.InfoHash[:], buf[off:off+20])
	off += 20
	copy(h.PeerID[:], buf[off:off+20])
	return h, nil
}

// Exchange writes h to rw and reads back the peer's handshake, validating
// the returned info hash matches h.InfoHash before the caller trusts the
// connection. This is a plain blocking call; callers apply their own
// deadline to rw beforehand.
func Exchange(rw io.ReadWriter, h Handshake) (Handshake, error) {
	if _, err := rw.Write(h.Encode()); err != nil {
		kind := corerr.Io
		if errors.Is(err, os.ErrDeadlineExceeded) {
			kind = corerr.Timeout
		}
		return Handshake{}, corerr.New(kind, "send handshake", err)
	}
	buf := make([]byte, Size)
	if _, err := io.ReadFull(rw, buf); err != nil {
		kind := corerr.Io
		if errors.Is(err, os.ErrDeadlineExceeded) {
			kind = corerr.Timeout
		}
		return Handshake{}, corerr.New(kind, "receive handshake", err)
	}
	peer, err := Decode(buf)
	if err != nil {
		return Handshake{}, err
	}
	if peer.InfoHash != h.InfoHash {
		return Handshake{}, corerr.New(corerr.ProtocolViolation, "receive handshake", fmt.Errorf("info hash mismatch"))
	}
	return peer, nil
}
