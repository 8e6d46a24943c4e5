package voiceloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voiceloop/voiceloop/pkg/core"
	"github.com/voiceloop/voiceloop/pkg/live/protocol"
)

// fakeTransport records outbound frames and lets the test script inbound
// ones.
type fakeTransport struct {
	mu       sync.Mutex
	texts    []string
	binaries [][]byte
	inbound  chan Message
	closed   bool
	errValue error

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan Message, 32)}
}

func (f *fakeTransport) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.NewChannelNotReadyError("text send")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.NewChannelNotReadyError("binary send")
	}
	f.binaries = append(f.binaries, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Messages() <-chan Message { return f.inbound }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

// fail simulates an abnormal remote termination.
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.closed = true
	f.errValue = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.inbound) })
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errValue
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeTransport) sentBinaries() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.binaries))
	copy(out, f.binaries)
	return out
}

// fakePlayer signals play invocations and optionally blocks until released.
type fakePlayer struct {
	mu       sync.Mutex
	plays    int
	lastClip []byte
	err      error
	block    chan struct{}
	started  chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{started: make(chan struct{}, 8)}
}

func (p *fakePlayer) Play(ctx context.Context, clip []byte) error {
	p.mu.Lock()
	p.plays++
	p.lastClip = append([]byte(nil), clip...)
	block := p.block
	err := p.err
	p.mu.Unlock()

	p.started <- struct{}{}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *scriptedSource, *fakePlayer) {
	t.Helper()
	transport := newFakeTransport()
	source := &scriptedSource{}
	player := newFakePlayer()
	sess := newSession(
		"test-session",
		transport,
		newCaptureController(source, DefaultThresholds(), slog.Default()),
		newPlaybackController(player, slog.Default()),
		slog.Default(),
	)
	return sess, transport, source, player
}

func statusFrame(token string) Message {
	return Message{Kind: TextFrame, Text: "[Status] " + token}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func awaitPlay(t *testing.T, player *fakePlayer) {
	t.Helper()
	select {
	case <-player.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("playback never started")
	}
}

// AI_SPEAKING, then the binary clip, then AI_DONE_SPEAKING drives
// Listening -> AwaitingReply -> Speaking with exactly one playback.
func TestSession_ReplySequenceStartsOnePlayback(t *testing.T) {
	sess, _, source, player := newTestSession(t)
	if err := sess.armCapture(); err != nil {
		t.Fatalf("armCapture() error = %v", err)
	}

	sess.handleMessage(statusFrame(protocol.StatusAISpeaking))
	if sess.State() != StateAwaitingReply {
		t.Fatalf("state after AI_SPEAKING = %v, want awaiting_reply", sess.State())
	}
	if source.stops != 1 {
		t.Fatalf("capture stops = %d, want 1", source.stops)
	}

	clip := []byte("reply-mp3-bytes")
	sess.handleMessage(Message{Kind: BinaryFrame, Data: clip})
	if sess.State() != StateSpeaking {
		t.Fatalf("state after clip = %v, want speaking", sess.State())
	}
	awaitPlay(t, player)

	sess.handleMessage(statusFrame(protocol.StatusAIDoneSpeaking))
	if sess.State() != StateSpeaking {
		t.Fatalf("AI_DONE_SPEAKING moved state to %v", sess.State())
	}
	if player.playCount() != 1 {
		t.Fatalf("playbacks = %d, want exactly 1", player.playCount())
	}
}

// Playback completion, success or failure, always yields the
// Speaking -> AwaitingReply transition and the playback-finished notice.
func TestSession_PlaybackCompletionReturnsTurn(t *testing.T) {
	for _, failure := range []bool{false, true} {
		sess, transport, _, player := newTestSession(t)
		if failure {
			player.err = errors.New("codec choked")
		}
		if err := sess.armCapture(); err != nil {
			t.Fatalf("armCapture() error = %v", err)
		}

		sess.handleMessage(statusFrame(protocol.StatusAISpeaking))
		sess.handleMessage(Message{Kind: BinaryFrame, Data: []byte("clip")})
		awaitPlay(t, player)

		sess.handlePlaybackDone(<-sess.playback.outcomes)
		if sess.State() != StateAwaitingReply {
			t.Fatalf("failure=%v: state = %v, want awaiting_reply", failure, sess.State())
		}
		texts := transport.sentTexts()
		if len(texts) == 0 || texts[len(texts)-1] != protocol.PlaybackFinished {
			t.Fatalf("failure=%v: playback finished notice not sent, texts = %q", failure, texts)
		}
	}
}

// CLIENT_READY re-arms capture from AwaitingReply and is a no-op while
// already listening.
func TestSession_ClientReadyIsIdempotent(t *testing.T) {
	sess, _, source, _ := newTestSession(t)
	if err := sess.armCapture(); err != nil {
		t.Fatalf("armCapture() error = %v", err)
	}
	sess.handleMessage(statusFrame(protocol.StatusAISpeaking))

	sess.handleMessage(statusFrame(protocol.StatusClientReady))
	if sess.State() != StateListening {
		t.Fatalf("state after CLIENT_READY = %v, want listening", sess.State())
	}
	if source.starts != 2 {
		t.Fatalf("capture starts = %d, want 2", source.starts)
	}

	sess.handleMessage(statusFrame(protocol.StatusClientReady))
	if sess.State() != StateListening || source.starts != 2 {
		t.Fatalf("duplicate CLIENT_READY was not a no-op (state=%v starts=%d)", sess.State(), source.starts)
	}
}

// The pause flush sends the marker, then the whole buffered utterance, and
// does not retrigger until the acknowledgment lands.
func TestSession_PauseFlushProtocol(t *testing.T) {
	sess, transport, _, _ := newTestSession(t)
	if err := sess.armCapture(); err != nil {
		t.Fatalf("armCapture() error = %v", err)
	}

	speech := chunkOf(1500)
	sess.handleChunk(speech)
	sess.handleChunk([]byte("quiet1"))
	sess.handleChunk([]byte("quiet2"))

	if sess.State() != StatePauseFlushing {
		t.Fatalf("state = %v, want pause_flushing", sess.State())
	}
	texts := transport.sentTexts()
	if len(texts) != 1 || texts[0] != protocol.PauseMarker {
		t.Fatalf("texts = %q, want one pause marker", texts)
	}
	binaries := transport.sentBinaries()
	// One streamed speech chunk plus the flushed utterance.
	if len(binaries) != 2 {
		t.Fatalf("binary sends = %d, want 2", len(binaries))
	}
	flushed := binaries[1]
	wantLen := len(speech) + len("quiet1") + len("quiet2")
	if len(flushed) != wantLen {
		t.Fatalf("flushed utterance = %d bytes, want %d", len(flushed), wantLen)
	}

	// Further silence during the flush does not retrigger.
	sess.handleChunk([]byte("quiet3"))
	if got := transport.sentTexts(); len(got) != 1 {
		t.Fatalf("pause marker retriggered: %q", got)
	}

	sess.handleMessage(statusFrame(protocol.StatusPauseProcessed))
	if sess.State() != StateListening {
		t.Fatalf("state after PAUSE_PROCESSED = %v, want listening", sess.State())
	}
}

// A pause crossing while the previous flush is unacknowledged queues one
// deferred flush, applied when the acknowledgment lands.
func TestSession_DeferredPauseFlush(t *testing.T) {
	sess, transport, _, _ := newTestSession(t)
	if err := sess.armCapture(); err != nil {
		t.Fatalf("armCapture() error = %v", err)
	}

	sess.handleChunk([]byte("q1"))
	sess.handleChunk([]byte("q2")) // first flush
	if sess.State() != StatePauseFlushing {
		t.Fatalf("state = %v, want pause_flushing", sess.State())
	}

	// Speech resets the run mid-flush, then silence crosses again.
	sess.handleChunk(chunkOf(1500))
	sess.handleChunk([]byte("q3"))
	sess.handleChunk([]byte("q4"))
	if !sess.deferredFlush {
		t.Fatalf("second crossing was not deferred")
	}
	if got := transport.sentTexts(); len(got) != 1 {
		t.Fatalf("deferred flush sent early: %q", got)
	}

	sess.handleMessage(statusFrame(protocol.StatusPauseProcessed))
	texts := transport.sentTexts()
	if len(texts) != 2 || texts[1] != protocol.PauseMarker {
		t.Fatalf("deferred flush not applied after ack: %q", texts)
	}
	if sess.State() != StatePauseFlushing {
		t.Fatalf("state after deferred flush = %v, want pause_flushing", sess.State())
	}
	if sess.deferredFlush {
		t.Fatalf("deferred flag not cleared")
	}
}

// Long silence stops capture exactly once and hands the turn over.
func TestSession_LongSilenceAutoStop(t *testing.T) {
	sess, transport, source, _ := newTestSession(t)
	if err := sess.armCapture(); err != nil {
		t.Fatalf("armCapture() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		sess.handleChunk([]byte("hush"))
	}
	if sess.State() != StateAwaitingReply {
		t.Fatalf("state = %v, want awaiting_reply", sess.State())
	}
	if source.stops != 1 {
		t.Fatalf("capture stops = %d, want 1", source.stops)
	}
	// The pause flush at chunk 2 is the only outbound traffic.
	if texts := transport.sentTexts(); len(texts) != 1 || texts[0] != protocol.PauseMarker {
		t.Fatalf("texts = %q, want single pause marker", texts)
	}
}

// SKIPPING_EMPTY_INPUT is a no-op turn: back to idle with a notice, talk
// control re-armed.
func TestSession_EmptyInputReturnsToIdle(t *testing.T) {
	sess, _, _, _ := newTestSession(t)
	if err := sess.armCapture(); err != nil {
		t.Fatalf("armCapture() error = %v", err)
	}
	sess.handleCommand(cmdStopTalk)
	if sess.State() != StateAwaitingReply {
		t.Fatalf("state after stop = %v, want awaiting_reply", sess.State())
	}

	sess.handleMessage(statusFrame(protocol.StatusSkippingEmptyInput))
	if sess.State() != StateIdle {
		t.Fatalf("state = %v, want idle", sess.State())
	}
	if err := sess.handleCommand(cmdStartTalk); err != nil {
		t.Fatalf("talk control disabled after empty input: %v", err)
	}
}

// A service error ends the turn from any active state; the channel stays
// open and the session is restartable.
func TestSession_ServiceErrorForcesIdle(t *testing.T) {
	sess, _, source, _ := newTestSession(t)
	if err := sess.armCapture(); err != nil {
		t.Fatalf("armCapture() error = %v", err)
	}

	sess.handleMessage(Message{Kind: TextFrame, Text: "[Error] upstream transcription failed"})
	if sess.State() != StateIdle {
		t.Fatalf("state = %v, want idle", sess.State())
	}
	if source.stops != 1 {
		t.Fatalf("capture stops = %d, want 1", source.stops)
	}
	if err := sess.handleCommand(cmdStartTalk); err != nil {
		t.Fatalf("restart after service error failed: %v", err)
	}
}

func TestSession_TranscriptAndReplyEvents(t *testing.T) {
	sess, _, _, _ := newTestSession(t)

	sess.handleMessage(Message{Kind: TextFrame, Text: "[Transcript] hello there"})
	sess.handleMessage(Message{Kind: TextFrame, Text: "[AI] hi, how can I help?"})

	var gotTranscript, gotReply bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sess.Events():
			switch e := ev.(type) {
			case TranscriptEvent:
				gotTranscript = e.Text == "hello there"
			case ReplyTextEvent:
				gotReply = e.Text == "hi, how can I help?"
			}
		default:
			t.Fatalf("expected 2 events, got %d", i)
		}
	}
	if !gotTranscript || !gotReply {
		t.Fatalf("transcript=%v reply=%v, want both", gotTranscript, gotReply)
	}
}

func TestSession_StartTalkCaptureUnavailable(t *testing.T) {
	sess, _, source, _ := newTestSession(t)
	source.startErr = errors.New("no capture device")

	err := sess.handleCommand(cmdStartTalk)
	if err == nil {
		t.Fatalf("handleCommand(start) = nil, want error")
	}
	coreErr, ok := err.(*core.Error)
	if !ok || coreErr.Type != core.ErrCaptureUnavailable {
		t.Fatalf("error = %v, want capture unavailable", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state = %v, want idle (restartable)", sess.State())
	}
}

// Loop-level test: the full turn lifecycle driven through the event loop.
func TestSession_RunLoopStreamsSpeech(t *testing.T) {
	sess, transport, source, _ := newTestSession(t)
	go sess.run()
	defer sess.Close()

	if err := sess.StartTalk(); err != nil {
		t.Fatalf("StartTalk() error = %v", err)
	}
	waitFor(t, "listening state", func() bool { return sess.State() == StateListening })

	source.emit(chunkOf(1600))
	waitFor(t, "speech chunk send", func() bool { return len(transport.sentBinaries()) == 1 })

	if err := sess.StopTalk(); err != nil {
		t.Fatalf("StopTalk() error = %v", err)
	}
	waitFor(t, "awaiting reply", func() bool { return sess.State() == StateAwaitingReply })
}

// Transport loss while speaking stops playback and capture and forces idle.
func TestSession_TransportLossWhileSpeaking(t *testing.T) {
	sess, transport, source, player := newTestSession(t)
	player.block = make(chan struct{})
	go sess.run()

	if err := sess.StartTalk(); err != nil {
		t.Fatalf("StartTalk() error = %v", err)
	}
	transport.inbound <- statusFrame(protocol.StatusAISpeaking)
	transport.inbound <- Message{Kind: BinaryFrame, Data: []byte("clip")}
	awaitPlay(t, player)
	waitFor(t, "speaking state", func() bool { return sess.State() == StateSpeaking })

	transport.fail(errors.New("connection reset"))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not shut down after transport loss")
	}
	if sess.State() != StateIdle {
		t.Fatalf("state = %v, want idle", sess.State())
	}
	if source.stops != 1 {
		t.Fatalf("capture stops = %d, want 1", source.stops)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	sess, _, _, _ := newTestSession(t)
	go sess.run()

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state = %v, want idle", sess.State())
	}
}
