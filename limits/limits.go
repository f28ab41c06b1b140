// Package limits provides centralized wire-size limits for the companion
// peer network protocol. This ensures consistent validation across the
// transport, handshake, and session components.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxEnvelopeBody is the maximum size of a decoded message envelope body.
	// Context updates are small category maps; anything near this limit is
	// malformed or hostile.
	MaxEnvelopeBody = 4096

	// MaxSealedFrame is the maximum size of an encrypted session frame,
	// including the AEAD tag and frame header.
	MaxSealedFrame = 4608

	// MaxHandshakeMessage is the maximum size of a single Noise handshake
	// message including its identity payload.
	MaxHandshakeMessage = 1024

	// MaxProcessingBuffer is the absolute maximum for any inbound datagram.
	// This prevents memory exhaustion from oversized packets.
	MaxProcessingBuffer = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a message exceeds its maximum size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateEnvelopeBody validates a decoded envelope body against
// MaxEnvelopeBody.
func ValidateEnvelopeBody(body []byte) error {
	return ValidateMessageSize(body, MaxEnvelopeBody)
}

// ValidateHandshakeMessage validates a handshake message against
// MaxHandshakeMessage.
func ValidateHandshakeMessage(message []byte) error {
	return ValidateMessageSize(message, MaxHandshakeMessage)
}
