package peer

import (
	"fmt"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

// Bitfield is an MSB-first bitvector, one bit per piece index: the most
// significant bit of byte 0 is piece 0.
type Bitfield []byte

// NewBitfield allocates a zeroed bitfield wide enough for n pieces.
func NewBitfield(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// Get reports whether piece index is marked present. Out-of-range
// indices (including negative ones) report false rather than panicking.
func (bf Bitfield) Get(index int) bool {
	if index < 0 {
		return false
	}
	bucket := index / 8
	if bucket >= len(bf) {
		return false
	}
	return bf[bucket]>>(7-uint(index%8))&1 != 0
}

// Set marks piece index present. Out-of-range indices are a no-op.
func (bf Bitfield) Set(index int) {
	if index < 0 {
		return
	}
	bucket := index / 8
	if bucket >= len(bf) {
		return
	}
	bf[bucket] |= 1 << (7 - uint(index%8))
}

// Unset marks piece index absent. Out-of-range indices are a no-op.
func (bf Bitfield) Unset(index int) {
	if index < 0 {
		return
	}
	bucket := index / 8
	if bucket >= len(bf) {
		return
	}
	bf[bucket] &^= 1 << (7 - uint(index%8))
}

// ValidateTrailingPadding checks that every bit beyond numPieces is zero.
// An undersize bitfield (fewer bytes than numPieces requires) is a
// protocol error. An oversize bitfield is tolerated as long as every byte
// past the piece-count boundary, and the padding bits of the last
// meaningful byte, are zero.
func ValidateTrailingPadding(bf Bitfield, numPieces int) error {
	wantLen := (numPieces + 7) / 8
	if len(bf) < wantLen {
		return corerr.New(corerr.ProtocolViolation, "bitfield", fmt.Errorf("expected at least %d bytes for %d pieces, got %d", wantLen, numPieces, len(bf)))
	}
	padding := wantLen*8 - numPieces
	if padding != 0 {
		last := bf[wantLen-1]
		mask := byte(1<<uint(padding)) - 1
		if last&mask != 0 {
			return corerr.New(corerr.ProtocolViolation, "bitfield", fmt.Errorf("nonzero padding bits in trailing byte"))
		}
	}
	for _, b := range bf[wantLen:] {
		if b != 0 {
			return corerr.New(corerr.ProtocolViolation, "bitfield", fmt.Errorf("nonzero byte beyond piece count"))
		}
	}
	return nil
}
