package limits

import (
	"errors"
	"testing"
)

func TestValidateMessageSize(t *testing.T) {
	if err := ValidateMessageSize([]byte("ok"), 10); err != nil {
		t.Errorf("unexpected error for valid message: %v", err)
	}

	if err := ValidateMessageSize(nil, 10); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}

	big := make([]byte, 11)
	if err := ValidateMessageSize(big, 10); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestValidateEnvelopeBody(t *testing.T) {
	if err := ValidateEnvelopeBody(make([]byte, MaxEnvelopeBody)); err != nil {
		t.Errorf("unexpected error at exact limit: %v", err)
	}
	if err := ValidateEnvelopeBody(make([]byte, MaxEnvelopeBody+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestValidateHandshakeMessage(t *testing.T) {
	if err := ValidateHandshakeMessage(make([]byte, MaxHandshakeMessage+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}
