package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/mjnet/limits"
)

// EnvelopeType identifies the application-level type of a session message.
type EnvelopeType uint8

const (
	// EnvelopeContextUpdate carries a relationship-filtered context snapshot.
	EnvelopeContextUpdate EnvelopeType = iota + 1
	// EnvelopePing is a session heartbeat request.
	EnvelopePing
	// EnvelopePong is a session heartbeat reply.
	EnvelopePong
	// EnvelopeClose announces a graceful session teardown.
	EnvelopeClose
	// EnvelopeStatusBroadcast carries a companion mode/status announcement.
	EnvelopeStatusBroadcast
)

// Envelope is the application message carried inside an encrypted session
// frame: type, sender identity, monotonic sequence number, and a
// type-dependent payload. The AEAD tag of the enclosing frame authenticates
// the whole envelope, so no separate tag field is carried here.
type Envelope struct {
	Type     EnvelopeType `cbor:"1,keyasint"`
	SenderID string       `cbor:"2,keyasint"`
	Sequence uint64       `cbor:"3,keyasint"`
	Payload  []byte       `cbor:"4,keyasint,omitempty"`
}

// Marshal encodes the envelope body as CBOR.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope decodes a CBOR envelope body.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if err := limits.ValidateEnvelopeBody(data); err != nil {
		return nil, err
	}

	var envelope Envelope
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &envelope, nil
}

// SessionFrame is the cleartext wrapper around an encrypted envelope. The
// sender ID routes the frame to the right session; the sequence number
// doubles as the AEAD nonce so frames survive loss and reordering.
type SessionFrame struct {
	SenderID   string `cbor:"1,keyasint"`
	Sequence   uint64 `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

// Marshal encodes the session frame as CBOR.
func (f *SessionFrame) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session frame: %w", err)
	}
	return data, nil
}

// ParseSessionFrame decodes a CBOR session frame.
func ParseSessionFrame(data []byte) (*SessionFrame, error) {
	if err := limits.ValidateMessageSize(data, limits.MaxSealedFrame); err != nil {
		return nil, err
	}

	var frame SessionFrame
	if err := cbor.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode session frame: %w", err)
	}
	return &frame, nil
}

// Announce is the body of a discovery broadcast: who we are and where we can
// be reached. The advertised public key is unverified until a handshake
// completes.
type Announce struct {
	PeerID    string `cbor:"1,keyasint"`
	UserID    string `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
	Port      int    `cbor:"4,keyasint"`
}

// Marshal encodes the announce body as CBOR.
func (a *Announce) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode announce: %w", err)
	}
	return data, nil
}

// ParseAnnounce decodes a CBOR announce body.
func ParseAnnounce(data []byte) (*Announce, error) {
	if err := limits.ValidateEnvelopeBody(data); err != nil {
		return nil, err
	}

	var announce Announce
	if err := cbor.Unmarshal(data, &announce); err != nil {
		return nil, fmt.Errorf("failed to decode announce: %w", err)
	}
	return &announce, nil
}

// HandshakeFrame carries one stage of the Noise handshake.
type HandshakeFrame struct {
	SenderID string `cbor:"1,keyasint"`
	Stage    uint8  `cbor:"2,keyasint"`
	Message  []byte `cbor:"3,keyasint"`
}

// Marshal encodes the handshake frame as CBOR.
func (h *HandshakeFrame) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handshake frame: %w", err)
	}
	return data, nil
}

// ParseHandshakeFrame decodes a CBOR handshake frame.
func ParseHandshakeFrame(data []byte) (*HandshakeFrame, error) {
	if err := limits.ValidateMessageSize(data, limits.MaxHandshakeMessage+128); err != nil {
		return nil, err
	}

	var frame HandshakeFrame
	if err := cbor.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode handshake frame: %w", err)
	}
	return &frame, nil
}

// CapacityReject is the body of an explicit over-capacity refusal. Token
// echoes the cleartext token from the initiator's first handshake message;
// a rejection without the right token is ignored.
type CapacityReject struct {
	SenderID string `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint"`
	Token    []byte `cbor:"3,keyasint,omitempty"`
}

// Marshal encodes the capacity rejection as CBOR.
func (c *CapacityReject) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capacity reject: %w", err)
	}
	return data, nil
}

// ParseCapacityReject decodes a CBOR capacity rejection body.
func ParseCapacityReject(data []byte) (*CapacityReject, error) {
	if err := limits.ValidateEnvelopeBody(data); err != nil {
		return nil, err
	}

	var reject CapacityReject
	if err := cbor.Unmarshal(data, &reject); err != nil {
		return nil, fmt.Errorf("failed to decode capacity reject: %w", err)
	}
	return &reject, nil
}
