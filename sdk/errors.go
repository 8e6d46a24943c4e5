package voiceloop

import (
	"fmt"
	"net/url"

	"github.com/voiceloop/voiceloop/pkg/core"
)

// Error is the canonical client error type.
type Error = core.Error

// Error types.
const (
	ErrInvalidConfig      = core.ErrInvalidConfig
	ErrCaptureUnavailable = core.ErrCaptureUnavailable
	ErrChannelNotReady    = core.ErrChannelNotReady
	ErrTransportClosed    = core.ErrTransportClosed
	ErrPlayback           = core.ErrPlayback
)

// Error constructors.
var (
	NewInvalidConfigError      = core.NewInvalidConfigError
	NewCaptureUnavailableError = core.NewCaptureUnavailableError
	NewChannelNotReadyError    = core.NewChannelNotReadyError
	NewTransportClosedError    = core.NewTransportClosedError
	NewPlaybackError           = core.NewPlaybackError
)

// TransportError represents websocket-level failures (DNS, timeouts,
// connection reset, TLS handshake) while reaching the voice service.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical client errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
