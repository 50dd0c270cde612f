package nfc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotside-studios/nfc-relay/relay"
)

// ErrorCode represents a specific type of NFC error for programmatic handling.
type ErrorCode int

const (
	// Tag errors (100-199)
	ErrCodeTagRemoved ErrorCode = iota + 100
	ErrCodeTransceiveFailed
	ErrCodeTagNotConnected
	ErrCodeUnsupportedTag

	// Device errors (200-299)
	ErrCodeDeviceUnavailable ErrorCode = iota + 196
	ErrCodeNoCard
	ErrCodeEmulationFailed
)

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "Transceive", "TargetInit")
	TagUID  string // Optional: UID of tag involved
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.TagUID != "" {
		sb.WriteString(" (uid ")
		sb.WriteString(e.TagUID)
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewTagRemovedError reports a tag that left the field. The result matches
// relay.ErrTagLost under errors.Is.
func NewTagRemovedError(op, uid string, cause error) *NFCError {
	if cause == nil {
		cause = relay.ErrTagLost
	} else {
		cause = fmt.Errorf("%w: %w", relay.ErrTagLost, cause)
	}
	return &NFCError{
		Code:    ErrCodeTagRemoved,
		Op:      op,
		TagUID:  uid,
		Message: "tag removed during operation",
		Cause:   cause,
	}
}

// NewTransceiveError creates an error for transceive failures.
func NewTransceiveError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeTransceiveFailed,
		Op:      op,
		Message: "transceive failed",
		Cause:   cause,
	}
}

// NewNotConnectedError is returned for operations on a closed or lost tag.
func NewNotConnectedError(op string) *NFCError {
	return &NFCError{
		Code:    ErrCodeTagNotConnected,
		Op:      op,
		Message: "tag not connected",
		Cause:   relay.ErrTagLost,
	}
}

// NewDeviceError creates an error for an unusable reader.
func NewDeviceError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeDeviceUnavailable,
		Op:      op,
		Message: "device unavailable",
		Cause:   cause,
	}
}

// NewNoCardError reports an empty reader.
func NewNoCardError(reader string) *NFCError {
	return &NFCError{
		Code:    ErrCodeNoCard,
		Op:      reader,
		Message: "no card present",
	}
}

// NewEmulationError creates an error for target-mode failures.
func NewEmulationError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeEmulationFailed,
		Op:      op,
		Message: "card emulation failed",
		Cause:   cause,
	}
}

// IsTagRemovedError checks if an error indicates the tag was removed.
func IsTagRemovedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, relay.ErrTagLost) {
		return true
	}
	// libnfc reports removal only through its error strings
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "target was removed") ||
		strings.Contains(errStr, "tag lost") ||
		strings.Contains(errStr, "rf transmission error")
}

// IsNoCardError checks if an error indicates an empty reader.
func IsNoCardError(err error) bool {
	return GetErrorCode(err) == ErrCodeNoCard
}

// IsTimeoutError checks whether a libnfc or PC/SC error is a timeout.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out")
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}
