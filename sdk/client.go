// Package voiceloop is the client side of a realtime voice conversation: it
// captures microphone audio, decides when the user has paused or fallen
// silent, streams audio to the voice service over one persistent duplex
// channel, and coordinates turn-taking so the microphone and the agent's
// reply are never active at cross-purposes.
//
// The heavy lifting (speech recognition, reasoning, synthesis) happens on
// the remote service; this package only governs when audio is captured, when
// it is sent, when it is paused, and when reply playback gates new capture.
package voiceloop

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voiceloop/voiceloop/pkg/core"
)

// Client holds the configuration for opening voice sessions.
type Client struct {
	endpoint       string
	logger         *slog.Logger
	thresholds     Thresholds
	connectTimeout time.Duration
	source         ChunkSource
	player         Player
}

// NewClient validates the configuration and returns a client. Thresholds are
// checked here: a long-silence bound below the pause bound is a startup
// error, never a runtime fault.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		endpoint:       strings.TrimSpace(endpoint),
		logger:         slog.Default(),
		thresholds:     DefaultThresholds(),
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.endpoint == "" {
		return nil, core.NewInvalidConfigError("endpoint must not be empty")
	}
	if _, err := websocketEndpoint(c.endpoint); err != nil {
		return nil, err
	}
	if err := c.thresholds.validate(); err != nil {
		return nil, err
	}
	if c.source == nil {
		return nil, core.NewInvalidConfigError("a chunk source is required (WithChunkSource)")
	}
	if c.player == nil {
		return nil, core.NewInvalidConfigError("a player is required (WithPlayer)")
	}
	return c, nil
}

// Connect opens the duplex channel and starts a session in the idle state.
// The session owns the connection; exactly one session is live per connect.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	conn, err := dialDuplex(ctx, c.endpoint, c.connectTimeout, c.logger)
	if err != nil {
		return nil, err
	}

	sess := newSession(
		uuid.NewString(),
		conn,
		newCaptureController(c.source, c.thresholds, c.logger),
		newPlaybackController(c.player, c.logger),
		c.logger,
	)
	c.logger.Debug("session connected", "session_id", sess.ID(), "endpoint", redactURLUserInfo(c.endpoint))
	go sess.run()
	return sess, nil
}
