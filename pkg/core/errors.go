package core

import (
	"fmt"
)

// Error is the canonical error type surfaced by the voice client.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrInvalidConfig reports a configuration the client refuses to start
	// with, such as a long-silence threshold below the pause threshold.
	ErrInvalidConfig ErrorType = "invalid_config_error"

	// ErrCaptureUnavailable reports that no microphone could be acquired:
	// the device is missing, busy, or permission was denied.
	ErrCaptureUnavailable ErrorType = "capture_unavailable_error"

	// ErrChannelNotReady reports a send attempted on a channel that is not
	// open. Callers withhold and retry after the channel (re)opens.
	ErrChannelNotReady ErrorType = "channel_not_ready_error"

	// ErrTransportClosed reports that the duplex channel closed or failed.
	// The session returns to idle and a fresh connect is required.
	ErrTransportClosed ErrorType = "transport_closed_error"

	// ErrPlayback reports a codec or device failure while rendering the
	// reply clip. Never fatal to the session.
	ErrPlayback ErrorType = "playback_error"
)

// NewInvalidConfigError creates an invalid configuration error.
func NewInvalidConfigError(message string) *Error {
	return &Error{
		Type:    ErrInvalidConfig,
		Message: message,
	}
}

// NewCaptureUnavailableError creates a capture unavailable error wrapping the
// device-layer failure.
func NewCaptureUnavailableError(underlying error) *Error {
	return &Error{
		Type:    ErrCaptureUnavailable,
		Message: fmt.Sprintf("microphone unavailable: %v", underlying),
		Cause:   underlying,
	}
}

// NewChannelNotReadyError creates a channel not ready error. op names the
// attempted operation.
func NewChannelNotReadyError(op string) *Error {
	return &Error{
		Type:    ErrChannelNotReady,
		Message: fmt.Sprintf("%s on a channel that is not open", op),
	}
}

// NewTransportClosedError creates a transport closed error.
func NewTransportClosedError(underlying error) *Error {
	e := &Error{
		Type:    ErrTransportClosed,
		Message: "duplex channel closed",
		Cause:   underlying,
	}
	if underlying != nil {
		e.Message = fmt.Sprintf("duplex channel closed: %v", underlying)
	}
	return e
}

// NewPlaybackError creates a playback error wrapping the sink failure.
func NewPlaybackError(underlying error) *Error {
	return &Error{
		Type:    ErrPlayback,
		Message: fmt.Sprintf("reply playback failed: %v", underlying),
		Cause:   underlying,
	}
}

// IsFatal reports whether the error ends the current session. Non-fatal
// errors surface as notices and leave the session usable.
func (e *Error) IsFatal() bool {
	switch e.Type {
	case ErrTransportClosed, ErrCaptureUnavailable, ErrInvalidConfig:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}
