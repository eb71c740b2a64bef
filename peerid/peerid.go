// Package peerid generates this client's 20-byte peer identifier.
package peerid

import (
	"crypto/rand"
	"fmt"
)

// Generate returns an Azureus-style peer id: tag (exactly 8 bytes, e.g.
// "-CT0001-") followed by 12 random bytes.
func Generate(tag string) ([20]byte, error) {
	var id [20]byte
	if len(tag) != 8 {
		return id, fmt.Errorf("peer id tag must be 8 bytes, got %d", len(tag))
	}
	copy(id[:8], tag)
	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("generate peer id: %w", err)
	}
	return id, nil
}
