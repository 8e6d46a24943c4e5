package voiceloop

import (
	"log/slog"
	"time"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a custom structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithThresholds overrides the silence-detection policy.
func WithThresholds(t Thresholds) ClientOption {
	return func(c *Client) {
		c.thresholds = t
	}
}

// WithConnectTimeout bounds the dial when the caller's context has no
// deadline of its own.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithChunkSource sets the microphone chunk source.
func WithChunkSource(src ChunkSource) ClientOption {
	return func(c *Client) {
		c.source = src
	}
}

// WithPlayer sets the reply playback sink.
func WithPlayer(p Player) ClientOption {
	return func(c *Client) {
		c.player = p
	}
}
