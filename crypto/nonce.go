package crypto

import (
	"crypto/rand"
	"fmt"
)

// NonceSize is the size in bytes of a handshake nonce.
const NonceSize = 32

// Nonce is a single-use random value carried in handshake payloads for
// replay detection.
type Nonce [NonceSize]byte

// GenerateNonce creates a fresh random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
