package voiceloop

import (
	"errors"
	"log/slog"

	"github.com/voiceloop/voiceloop/pkg/core"
)

// errCaptureActive guards against a double start. It signals a sequencing
// bug in the caller, not a configuration or device fault.
var errCaptureActive = errors.New("capture already active")

// ChunkSource produces opaque, time-ordered audio chunks at a nominal
// cadence (one chunk per second in the reference setup). Start acquires the
// device and returns the chunk stream; the stream closes when the source
// stops. Stop releases the device and must be safe to call repeatedly.
type ChunkSource interface {
	Start() (<-chan []byte, error)
	Stop()
}

// chunkAction is the per-chunk decision handed back to the coordinator.
type chunkAction int

const (
	actionNone chunkAction = iota
	actionSend
	actionPauseFlush
	actionAutoStop
)

// captureController owns the capture session, the utterance buffer and the
// silence-run counter. It is driven exclusively from the session loop; the
// hardware callback side lives behind ChunkSource.
type captureController struct {
	source   ChunkSource
	detector SilenceDetector
	policy   Thresholds
	logger   *slog.Logger

	active     bool
	buffer     [][]byte
	silenceRun int
}

func newCaptureController(source ChunkSource, policy Thresholds, logger *slog.Logger) *captureController {
	return &captureController{
		source:   source,
		detector: NewSilenceDetector(policy.SpeechMinBytes),
		policy:   policy,
		logger:   logger,
	}
}

// start acquires the microphone and begins emitting chunks. A denied or
// missing device surfaces as a capture-unavailable error.
func (c *captureController) start() (<-chan []byte, error) {
	if c.active {
		return nil, errCaptureActive
	}
	chunks, err := c.source.Start()
	if err != nil {
		return nil, core.NewCaptureUnavailableError(err)
	}
	c.active = true
	c.logger.Debug("capture started")
	return chunks, nil
}

// stop releases the device. Idempotent; leaves the utterance buffer and the
// silence run at their current values so the caller controls when a new
// utterance begins.
func (c *captureController) stop() {
	if !c.active {
		return
	}
	c.source.Stop()
	c.active = false
	c.logger.Debug("capture stopped", "buffered_chunks", len(c.buffer), "silence_run", c.silenceRun)
}

// resetUtterance clears the buffer and the silence run for a fresh utterance.
func (c *captureController) resetUtterance() {
	c.buffer = nil
	c.silenceRun = 0
}

// onChunk records the chunk and decides its fate. Every chunk lands in the
// buffer; while a pause flush is in flight the cleared buffer means the chunk
// seeds the next utterance segment. Transmission is withheld while the agent
// is speaking or a flush is pending. The silence run keeps counting through a
// flush, so the long-silence auto-stop fires regardless of flush state.
func (c *captureController) onChunk(chunk []byte, state TurnState) chunkAction {
	if !c.active {
		// Chunk raced a stop; discard.
		return actionNone
	}
	c.buffer = append(c.buffer, chunk)

	if state == StateSpeaking {
		// Second line of defense: never transmit while the reply plays.
		return actionNone
	}

	if c.detector.Classify(len(chunk)) == Speech {
		c.silenceRun = 0
		if state == StatePauseFlushing {
			return actionNone
		}
		return actionSend
	}

	c.silenceRun++
	if c.silenceRun == c.policy.SilenceChunks {
		return actionAutoStop
	}
	if c.silenceRun == c.policy.PauseChunks {
		return actionPauseFlush
	}
	return actionNone
}

// takeUtterance flushes the accumulated buffer atomically, returning the
// joined audio and leaving an empty buffer behind for the next segment.
func (c *captureController) takeUtterance() []byte {
	var total int
	for _, chunk := range c.buffer {
		total += len(chunk)
	}
	joined := make([]byte, 0, total)
	for _, chunk := range c.buffer {
		joined = append(joined, chunk...)
	}
	c.buffer = nil
	return joined
}
