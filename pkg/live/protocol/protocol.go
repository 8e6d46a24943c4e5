// Package protocol defines the wire vocabulary of the voice-chat channel.
//
// The channel carries two payload kinds: UTF-8 control text and raw binary
// audio. Control text is prefix-tagged; binary frames carry no envelope and
// are ordered by arrival. Outbound audio chunks stream up as binary frames;
// the reply clip comes down as a single binary frame.
package protocol

import (
	"strings"
)

// Outbound control literals (client -> service).
const (
	// PauseMarker announces that the next binary payload is a mid-utterance
	// flush, not the end of the utterance.
	PauseMarker = "PAUSE_PROCESSING"

	// PlaybackFinished reports that local playback of the reply completed.
	PlaybackFinished = "CLIENT_DONE_PLAYING"
)

// Inbound text prefixes (service -> client).
const (
	prefixTranscript = "[Transcript] "
	prefixReply      = "[AI] "
	prefixWarning    = "[Warning] "
	prefixError      = "[Error] "
	prefixStatus     = "[Status] "
)

// Status tokens carried by "[Status] " frames.
const (
	// StatusAISpeaking signals that reply audio is forthcoming.
	StatusAISpeaking = "AI_SPEAKING"

	// StatusAIDoneSpeaking signals the reply audio has been fully sent.
	// Local playback may still be running.
	StatusAIDoneSpeaking = "AI_DONE_SPEAKING"

	// StatusClientReady signals the service is ready for the next utterance.
	StatusClientReady = "CLIENT_READY"

	// StatusSkippingEmptyInput signals the last utterance was too short or
	// silent to process.
	StatusSkippingEmptyInput = "SKIPPING_EMPTY_INPUT"

	// StatusPauseProcessed acknowledges a PauseMarker flush.
	StatusPauseProcessed = "PAUSE_PROCESSED"
)

// FrameKind tags a parsed inbound text frame.
type FrameKind string

const (
	KindTranscript FrameKind = "transcript"
	KindReply      FrameKind = "reply"
	KindWarning    FrameKind = "warning"
	KindError      FrameKind = "error"
	KindStatus     FrameKind = "status"
	KindUnknown    FrameKind = "unknown"
)

// Frame is a parsed inbound control message.
type Frame struct {
	Kind FrameKind

	// Text carries the payload after the prefix for transcript, reply,
	// warning and error frames, and the raw frame for unknown ones.
	Text string

	// Status carries the status token for KindStatus frames.
	Status string
}

// ParseInbound classifies an inbound text frame by its prefix. Frames with an
// unrecognized prefix parse as KindUnknown rather than failing: the service
// may add vocabulary the client does not know yet.
func ParseInbound(text string) Frame {
	switch {
	case strings.HasPrefix(text, prefixTranscript):
		return Frame{Kind: KindTranscript, Text: strings.TrimPrefix(text, prefixTranscript)}
	case strings.HasPrefix(text, prefixReply):
		return Frame{Kind: KindReply, Text: strings.TrimPrefix(text, prefixReply)}
	case strings.HasPrefix(text, prefixWarning):
		return Frame{Kind: KindWarning, Text: strings.TrimPrefix(text, prefixWarning)}
	case strings.HasPrefix(text, prefixError):
		return Frame{Kind: KindError, Text: strings.TrimPrefix(text, prefixError)}
	case strings.HasPrefix(text, prefixStatus):
		return Frame{Kind: KindStatus, Status: strings.TrimSpace(strings.TrimPrefix(text, prefixStatus))}
	default:
		return Frame{Kind: KindUnknown, Text: text}
	}
}
