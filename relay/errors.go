package relay

import (
	"errors"
	"strings"
)

// Kind classifies engine errors for programmatic handling.
type Kind int

const (
	KindMalformedMessage Kind = iota + 1
	KindUnknownMessageType
	KindProtocolState
	KindHardwareUnavailable
	KindTransmissionFailure
)

func (k Kind) String() string {
	switch k {
	case KindMalformedMessage:
		return "malformed message"
	case KindUnknownMessageType:
		return "unknown message type"
	case KindProtocolState:
		return "protocol state"
	case KindHardwareUnavailable:
		return "hardware unavailable"
	case KindTransmissionFailure:
		return "transmission failure"
	default:
		return "unknown"
	}
}

// Error is the engine's structured error. Two Errors match under errors.Is
// when their kinds are equal.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else {
		sb.WriteString(e.Kind.String())
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Kind targets for errors.Is.
var (
	ErrMalformedMessage    = &Error{Kind: KindMalformedMessage}
	ErrUnknownMessageType  = &Error{Kind: KindUnknownMessageType}
	ErrProtocolState       = &Error{Kind: KindProtocolState}
	ErrHardwareUnavailable = &Error{Kind: KindHardwareUnavailable}
	ErrTransmissionFailure = &Error{Kind: KindTransmissionFailure}
)

var (
	// ErrTagLost is wrapped by tag adapters when the tag leaves the field.
	ErrTagLost = errors.New("relay: tag connection lost")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("relay: engine closed")
	// ErrSuspended is returned for outbound traffic while no transport is armed.
	ErrSuspended = errors.New("relay: transport suspended")
)

func newError(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
