package crypto

import (
	"encoding/hex"
	"errors"
)

// PeerIDLength is the length in characters of a hex-encoded peer identifier.
const PeerIDLength = 64

// ErrInvalidPeerID indicates a peer identifier that is not a valid
// hex-encoded 32-byte public key.
var ErrInvalidPeerID = errors.New("invalid peer ID")

// PeerIDFromPublicKey derives the stable peer identifier from an identity
// public key. The identifier is the lowercase hex encoding of the key, so a
// peer cannot claim an identity without holding the matching private key.
func PeerIDFromPublicKey(publicKey [32]byte) string {
	return hex.EncodeToString(publicKey[:])
}

// PublicKeyFromPeerID recovers the identity public key from a peer
// identifier.
func PublicKeyFromPeerID(peerID string) ([32]byte, error) {
	var publicKey [32]byte

	if len(peerID) != PeerIDLength {
		return publicKey, ErrInvalidPeerID
	}

	decoded, err := hex.DecodeString(peerID)
	if err != nil {
		return publicKey, ErrInvalidPeerID
	}

	copy(publicKey[:], decoded)
	return publicKey, nil
}

// ShortID returns a truncated peer identifier suitable for log fields.
// Full identifiers are 64 characters; logs carry the first 8 for privacy.
func ShortID(peerID string) string {
	if len(peerID) <= 8 {
		return peerID
	}
	return peerID[:8]
}
