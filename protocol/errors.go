package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned by Decode for any structural violation.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrInvalidEnvelope is returned by Encode for envelopes that cannot be
	// put on the wire.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
	ErrShortFrame      = errors.New("protocol: short frame header")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}
