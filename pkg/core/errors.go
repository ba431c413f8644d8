package core

import (
	"errors"
	"fmt"
)

// Error is the common error shape for live session failures.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest    ErrorType = "invalid_request_error"
	ErrDeviceUnavailable ErrorType = "device_unavailable"
	ErrMalformedAudio    ErrorType = "malformed_audio"
	ErrSessionStart      ErrorType = "session_start_failed"
	ErrTransportClosed   ErrorType = "transport_closed"
	ErrTransport         ErrorType = "transport_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewDeviceUnavailableError reports a missing or denied audio device.
func NewDeviceUnavailableError(message string, cause error) *Error {
	return &Error{
		Type:    ErrDeviceUnavailable,
		Message: message,
		cause:   cause,
	}
}

// NewMalformedAudioError reports a corrupt inbound audio payload.
func NewMalformedAudioError(message string) *Error {
	return &Error{
		Type:    ErrMalformedAudio,
		Message: message,
	}
}

// NewSessionStartError reports that the remote channel failed to open.
func NewSessionStartError(message string, cause error) *Error {
	return &Error{
		Type:    ErrSessionStart,
		Message: message,
		cause:   cause,
	}
}

// NewTransportClosedError reports that the remote party ended the channel.
func NewTransportClosedError(message string) *Error {
	return &Error{
		Type:    ErrTransportClosed,
		Message: message,
	}
}

// NewTransportError reports an unexpected channel failure mid-session.
func NewTransportError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
		cause:   cause,
	}
}

// IsType reports whether err (or anything it wraps) is an *Error of the
// given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for e != nil {
		if e.Type == t {
			return true
		}
		var next *Error
		if e.cause == nil || !errors.As(e.cause, &next) {
			return false
		}
		e = next
	}
	return false
}
