package voiceloop

import (
	"fmt"

	"github.com/voiceloop/voiceloop/pkg/core"
)

// Classification is the verdict for a single captured chunk.
type Classification int

const (
	Speech Classification = iota
	Silence
)

func (c Classification) String() string {
	if c == Speech {
		return "speech"
	}
	return "silence"
}

// Thresholds holds the silence-detection policy constants.
type Thresholds struct {
	// SpeechMinBytes is the chunk byte size at or above which a chunk
	// classifies as speech.
	SpeechMinBytes int

	// PauseChunks is the number of consecutive silent chunks that triggers
	// a mid-utterance pause flush.
	PauseChunks int

	// SilenceChunks is the number of consecutive silent chunks that stops
	// capture entirely. Must be at least PauseChunks.
	SilenceChunks int
}

// DefaultThresholds returns the reference policy: speech at 1000 bytes, a
// pause flush after 2 silent chunks, auto-stop after 5.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SpeechMinBytes: 1000,
		PauseChunks:    2,
		SilenceChunks:  5,
	}
}

// validate rejects configurations the state machine cannot run with. A bad
// configuration is a startup error, never a runtime fault.
func (t Thresholds) validate() error {
	if t.SpeechMinBytes <= 0 {
		return core.NewInvalidConfigError(fmt.Sprintf("speech byte threshold must be positive, got %d", t.SpeechMinBytes))
	}
	if t.PauseChunks < 1 {
		return core.NewInvalidConfigError(fmt.Sprintf("pause threshold must be at least 1 chunk, got %d", t.PauseChunks))
	}
	if t.SilenceChunks < t.PauseChunks {
		return core.NewInvalidConfigError(fmt.Sprintf("long-silence threshold (%d) must be at least the pause threshold (%d)", t.SilenceChunks, t.PauseChunks))
	}
	return nil
}

// SilenceDetector classifies a chunk purely by its byte size. Small chunks
// are the silence proxy: compressed or amplitude-gated capture emits little
// data for quiet intervals. The detector holds no state; the caller owns the
// running silence count.
type SilenceDetector struct {
	speechMinBytes int
}

// NewSilenceDetector creates a detector with the given speech byte floor.
func NewSilenceDetector(speechMinBytes int) SilenceDetector {
	return SilenceDetector{speechMinBytes: speechMinBytes}
}

// Classify returns Speech for chunks at or above the byte floor.
func (d SilenceDetector) Classify(chunkBytes int) Classification {
	if chunkBytes >= d.speechMinBytes {
		return Speech
	}
	return Silence
}
