package relay

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "op and message",
			err:      newError(KindProtocolState, "leave", "not allowed in phase no-session", nil),
			expected: "leave: not allowed in phase no-session",
		},
		{
			name:     "with cause",
			err:      newError(KindMalformedMessage, "decode", "cannot decode message", errors.New("truncated")),
			expected: "decode: cannot decode message: truncated",
		},
		{
			name:     "kind only",
			err:      &Error{Kind: KindHardwareUnavailable},
			expected: "hardware unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	cause := errors.New("underlying")
	err := fmt.Errorf("wrapped: %w", newError(KindTransmissionFailure, "relay", "lost", cause))

	if !errors.Is(err, ErrTransmissionFailure) {
		t.Error("errors.Is(err, ErrTransmissionFailure) = false")
	}
	if errors.Is(err, ErrMalformedMessage) {
		t.Error("errors.Is(err, ErrMalformedMessage) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if got := KindOf(err); got != KindTransmissionFailure {
		t.Errorf("KindOf() = %v", got)
	}
	if got := KindOf(errors.New("plain")); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
}
