package voiceloop

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voiceloop/voiceloop/pkg/core"
)

const defaultConnectTimeout = 15 * time.Second

// ConnState is the lifecycle state of the duplex channel.
type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageKind distinguishes the two payload kinds the channel carries.
type MessageKind int

const (
	TextFrame MessageKind = iota
	BinaryFrame
)

// Message is one inbound frame from the voice service.
type Message struct {
	Kind MessageKind
	Text string
	Data []byte
}

// duplexTransport is the session-facing surface of the duplex channel. The
// websocket implementation below satisfies it; tests substitute an in-memory
// one.
type duplexTransport interface {
	SendText(text string) error
	SendBinary(data []byte) error
	Messages() <-chan Message
	Close() error
	Err() error
}

// duplexConn owns one persistent websocket connection to the voice service.
// Inbound frames are delivered in receipt order on Messages(); the channel
// closes when the connection ends. Once closed a duplexConn is not reusable.
type duplexConn struct {
	conn   *websocket.Conn
	wsURL  string
	logger *slog.Logger

	messages chan Message
	closing  chan struct{}
	done     chan struct{}

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// dialDuplex opens the channel and starts the read loop. It suspends until
// the connection is open or the dial fails.
func dialDuplex(ctx context.Context, endpoint string, timeout time.Duration, logger *slog.Logger) (*duplexConn, error) {
	wsURL, err := websocketEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	dialer := websocket.DefaultDialer
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	c := &duplexConn{
		conn:     conn,
		wsURL:    wsURL,
		logger:   logger,
		messages: make(chan Message, 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(ConnOpen))
	go c.readLoop()
	return c, nil
}

// State returns the current connection state.
func (c *duplexConn) State() ConnState {
	return ConnState(c.state.Load())
}

// Messages yields inbound frames in receipt order. The channel closes when
// the connection terminates, normally or not; Err() explains an abnormal end.
func (c *duplexConn) Messages() <-chan Message {
	return c.messages
}

// SendText sends one UTF-8 control frame.
func (c *duplexConn) SendText(text string) error {
	return c.send(websocket.TextMessage, []byte(text), "text send")
}

// SendBinary sends one raw audio frame.
func (c *duplexConn) SendBinary(data []byte) error {
	return c.send(websocket.BinaryMessage, data, "binary send")
}

func (c *duplexConn) send(messageType int, data []byte, op string) error {
	if c.State() != ConnOpen {
		return core.NewChannelNotReadyError(op)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.setErr(core.NewTransportClosedError(err))
		return core.NewChannelNotReadyError(op)
	}
	return nil
}

// Close performs the close handshake and waits for the read loop to drain.
// Safe to call more than once.
func (c *duplexConn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ConnClosing))
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error, if the connection ended
// abnormally. It blocks until the connection has ended.
func (c *duplexConn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *duplexConn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *duplexConn) readLoop() {
	defer func() {
		c.state.Store(int32(ConnClosed))
		close(c.messages)
		close(c.done)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if c.State() == ConnClosing {
				// Local close in progress; the read error is expected.
				return
			}
			c.logger.Debug("duplex channel read ended", "url", redactURLUserInfo(c.wsURL), "error", err)
			c.setErr(core.NewTransportClosedError(err))
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if !c.deliver(Message{Kind: TextFrame, Text: string(data)}) {
				return
			}
		case websocket.BinaryMessage:
			if !c.deliver(Message{Kind: BinaryFrame, Data: append([]byte(nil), data...)}) {
				return
			}
		default:
			continue
		}
	}
}

// deliver hands an inbound frame to the consumer, preserving receipt order.
// The send blocks rather than dropping, but yields to a local close: a Close
// while the consumer has stopped draining must not strand the read loop on a
// full channel.
func (c *duplexConn) deliver(msg Message) bool {
	select {
	case c.messages <- msg:
		return true
	case <-c.closing:
		return false
	}
}

// websocketEndpoint normalizes an endpoint URL to a ws/wss scheme.
func websocketEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", core.NewInvalidConfigError(fmt.Sprintf("invalid endpoint URL %q", endpoint))
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket scheme.
	default:
		return "", core.NewInvalidConfigError("endpoint must use http(s) or ws(s)")
	}
	return u.String(), nil
}
