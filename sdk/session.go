package voiceloop

import (
	"log/slog"
	"sync/atomic"

	"github.com/voiceloop/voiceloop/pkg/core"
	"github.com/voiceloop/voiceloop/pkg/live/protocol"
)

// TurnState is the single authoritative conversational state. Exactly one
// value holds at any instant; every other component reads it rather than
// keeping flags of its own.
type TurnState int32

const (
	// StateIdle: no capture, no playback. The talk control is armed.
	StateIdle TurnState = iota

	// StateListening: the microphone is live and speech chunks stream out.
	StateListening

	// StatePauseFlushing: a mid-utterance flush was sent and its
	// acknowledgment is pending. Capture stays live but sends are withheld.
	StatePauseFlushing

	// StateAwaitingReply: capture stopped; the service is processing.
	StateAwaitingReply

	// StateSpeaking: the reply clip is playing. The microphone is off.
	StateSpeaking
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StatePauseFlushing:
		return "pause_flushing"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

type commandKind int

const (
	cmdStartTalk commandKind = iota
	cmdStopTalk
	cmdClose
)

type sessionCommand struct {
	kind commandKind
	resp chan error
}

// Session is the turn coordinator: it owns the conversational state machine
// for the lifetime of one duplex connection. All work happens on its single
// event loop; each event is processed to completion before the next is
// admitted. A Session is not reusable once closed.
type Session struct {
	id     string
	logger *slog.Logger

	conn     duplexTransport
	capture  *captureController
	playback *playbackController

	state         atomic.Int32
	deferredFlush bool
	chunks        <-chan []byte

	commands chan sessionCommand
	events   chan Event
	done     chan struct{}
}

func newSession(id string, conn duplexTransport, capture *captureController, playback *playbackController, logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		logger:   logger.With("session_id", id),
		conn:     conn,
		capture:  capture,
		playback: playback,
		commands: make(chan sessionCommand),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// ID returns the client-minted session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current turn state.
func (s *Session) State() TurnState {
	return TurnState(s.state.Load())
}

// Events yields presentation events: transcripts, reply text, notices and
// state changes. The channel closes when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// StartTalk arms capture and begins a turn. No-op when a turn is already in
// progress; fails with a capture-unavailable error if no microphone can be
// acquired, leaving the session idle and restartable.
func (s *Session) StartTalk() error {
	return s.submit(cmdStartTalk)
}

// StopTalk ends the user's utterance early and hands the turn to the
// service. No-op outside of listening.
func (s *Session) StopTalk() error {
	return s.submit(cmdStopTalk)
}

// Close tears the session down: capture and playback stop synchronously and
// the duplex channel closes. Safe to call more than once.
func (s *Session) Close() error {
	err := s.submit(cmdClose)
	if e, ok := err.(*core.Error); ok && e.Type == core.ErrTransportClosed {
		err = nil // already closed
	}
	<-s.done
	return err
}

func (s *Session) submit(kind commandKind) error {
	cmd := sessionCommand{kind: kind, resp: make(chan error, 1)}
	select {
	case s.commands <- cmd:
		return <-cmd.resp
	case <-s.done:
		return core.NewTransportClosedError(nil)
	}
}

// run is the event loop. It is the sole writer of the turn state, the
// utterance buffer and the silence run; chunk, transport and playback
// callbacks arrive as messages and are drained one at a time.
func (s *Session) run() {
	defer s.teardown()

	for {
		select {
		case cmd := <-s.commands:
			if cmd.kind == cmdClose {
				cmd.resp <- nil
				return
			}
			cmd.resp <- s.handleCommand(cmd.kind)

		case msg, ok := <-s.conn.Messages():
			if !ok {
				s.handleTransportClosed()
				return
			}
			s.handleMessage(msg)

		case chunk, ok := <-s.chunks:
			if !ok {
				s.chunks = nil
				continue
			}
			s.handleChunk(chunk)

		case outcome := <-s.playback.outcomes:
			s.handlePlaybackDone(outcome)
		}
	}
}

func (s *Session) handleCommand(kind commandKind) error {
	switch kind {
	case cmdStartTalk:
		if s.State() != StateIdle {
			return nil
		}
		return s.armCapture()

	case cmdStopTalk:
		switch s.State() {
		case StateListening, StatePauseFlushing:
			s.stopCapture()
			s.deferredFlush = false
			s.setState(StateAwaitingReply)
		}
		return nil
	}
	return nil
}

// armCapture starts the microphone and enters listening with a fresh
// utterance.
func (s *Session) armCapture() error {
	s.capture.resetUtterance()
	chunks, err := s.capture.start()
	if err != nil {
		s.notice(NoticeError, err.Error())
		return err
	}
	s.chunks = chunks
	s.setState(StateListening)
	return nil
}

func (s *Session) stopCapture() {
	s.capture.stop()
	s.chunks = nil
}

func (s *Session) handleChunk(chunk []byte) {
	switch s.capture.onChunk(chunk, s.State()) {
	case actionSend:
		if err := s.conn.SendBinary(chunk); err != nil {
			// Withhold and log; the chunk stays buffered for the next flush.
			s.logger.Warn("chunk send withheld", "bytes", len(chunk), "error", err)
		}

	case actionPauseFlush:
		if s.State() == StatePauseFlushing {
			// A flush is still unacknowledged: queue this one, never drop it.
			s.deferredFlush = true
			return
		}
		s.performPauseFlush()

	case actionAutoStop:
		s.logger.Debug("long silence, stopping capture")
		s.stopCapture()
		s.deferredFlush = false
		s.setState(StateAwaitingReply)
	}
}

// performPauseFlush announces a mid-utterance flush and ships the buffered
// audio. The marker goes first so the service attributes the following binary
// payload to a pause, not to the utterance's end.
func (s *Session) performPauseFlush() {
	if err := s.conn.SendText(protocol.PauseMarker); err != nil {
		s.logger.Warn("pause marker withheld", "error", err)
		return
	}
	utterance := s.capture.takeUtterance()
	if err := s.conn.SendBinary(utterance); err != nil {
		s.logger.Warn("pause flush send failed", "bytes", len(utterance), "error", err)
	}
	s.setState(StatePauseFlushing)
}

func (s *Session) handleMessage(msg Message) {
	if msg.Kind == BinaryFrame {
		s.handleReplyClip(msg.Data)
		return
	}

	frame := protocol.ParseInbound(msg.Text)
	switch frame.Kind {
	case protocol.KindTranscript:
		s.emit(TranscriptEvent{Text: frame.Text})

	case protocol.KindReply:
		s.emit(ReplyTextEvent{Text: frame.Text})

	case protocol.KindWarning:
		s.notice(NoticeWarning, frame.Text)

	case protocol.KindError:
		s.handleServiceError(frame.Text)

	case protocol.KindStatus:
		s.handleStatus(frame.Status)

	case protocol.KindUnknown:
		s.logger.Debug("unrecognized control frame", "frame", msg.Text)
	}
}

// handleReplyClip starts playback of a fully received reply. Capture is
// confirmed stopped before the first sample plays.
func (s *Session) handleReplyClip(clip []byte) {
	switch s.State() {
	case StateSpeaking:
		s.logger.Warn("reply clip ignored, playback already active", "bytes", len(clip))
		return
	case StateIdle:
		s.logger.Debug("reply clip ignored while idle", "bytes", len(clip))
		return
	}

	s.stopCapture()
	s.deferredFlush = false
	s.setState(StateSpeaking)
	s.emit(PlaybackStartedEvent{Bytes: len(clip)})
	s.playback.play(clip)
}

func (s *Session) handleStatus(status string) {
	switch status {
	case protocol.StatusAISpeaking:
		switch s.State() {
		case StateListening, StatePauseFlushing:
			s.stopCapture()
			s.deferredFlush = false
			s.setState(StateAwaitingReply)
		}

	case protocol.StatusAIDoneSpeaking:
		// Informational: the reply clip is fully sent. Playback pacing is
		// local, so nothing transitions here.
		s.logger.Debug("reply audio fully received")

	case protocol.StatusClientReady:
		if s.State() != StateAwaitingReply {
			// Idempotent under duplicate delivery.
			return
		}
		if err := s.armCapture(); err != nil {
			s.setState(StateIdle)
		}

	case protocol.StatusSkippingEmptyInput:
		s.notice(NoticeInfo, "nothing captured, try speaking again")
		if s.State() == StateAwaitingReply {
			s.setState(StateIdle)
		}

	case protocol.StatusPauseProcessed:
		if s.State() != StatePauseFlushing {
			s.logger.Debug("pause acknowledgment outside flush", "state", s.State().String())
			return
		}
		s.setState(StateListening)
		if s.deferredFlush {
			s.deferredFlush = false
			s.performPauseFlush()
		}

	default:
		s.logger.Debug("unrecognized status token", "status", status)
	}
}

// handleServiceError ends the current turn. The channel stays open and the
// talk control re-arms: idle is the single safe recovery state.
func (s *Session) handleServiceError(message string) {
	s.notice(NoticeError, message)
	if s.State() == StateIdle {
		return
	}
	s.stopCapture()
	s.deferredFlush = false
	if s.State() == StateSpeaking {
		s.playback.stop()
	}
	s.setState(StateIdle)
}

func (s *Session) handlePlaybackDone(outcome PlaybackOutcome) {
	s.playback.finished()
	if !outcome.Completed() {
		s.notice(NoticeWarning, outcome.Err.Error())
	}
	if s.State() != StateSpeaking {
		// Playback was already torn down by a close or turn error.
		s.logger.Debug("late playback completion", "state", s.State().String())
		return
	}
	s.setState(StateAwaitingReply)
	if err := s.conn.SendText(protocol.PlaybackFinished); err != nil {
		s.logger.Warn("playback finished notice withheld", "error", err)
	}
}

// handleTransportClosed forces idle after the channel ends. Capture and
// playback stop before the loop exits.
func (s *Session) handleTransportClosed() {
	if err := s.conn.Err(); err != nil {
		s.notice(NoticeError, "connection to the voice service lost")
		s.logger.Warn("duplex channel failed", "error", err)
	} else {
		s.notice(NoticeInfo, "disconnected from the voice service")
	}
}

// teardown releases every owned resource exactly once, on every exit path.
func (s *Session) teardown() {
	s.stopCapture()
	if s.playback.playing {
		s.playback.stop()
		outcome := <-s.playback.outcomes
		s.playback.finished()
		if !outcome.Completed() {
			s.logger.Debug("playback ended during shutdown", "error", outcome.Err)
		}
	}
	s.deferredFlush = false
	s.setState(StateIdle)
	_ = s.conn.Close()
	close(s.events)
	close(s.done)
}

func (s *Session) setState(to TurnState) {
	from := s.State()
	if from == to {
		return
	}
	s.state.Store(int32(to))
	s.logger.Debug("turn state", "from", from.String(), "to", to.String())
	s.emit(StateChangeEvent{From: from, To: to})
}

func (s *Session) notice(level NoticeLevel, message string) {
	s.emit(NoticeEvent{Level: level, Message: message})
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		// Do not stall the loop when the presentation layer lags.
	}
}
