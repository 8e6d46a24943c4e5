package voiceloop

// Event is emitted by a Session for the presentation layer. Events carry
// rendered conversation content and state; they never expose coordinator
// internals.
type Event interface {
	eventType() string
}

// StateChangeEvent reports a turn-state transition.
type StateChangeEvent struct {
	From TurnState
	To   TurnState
}

func (e StateChangeEvent) eventType() string { return "state_change" }

// TranscriptEvent carries the recognized transcript of the last utterance.
type TranscriptEvent struct {
	Text string
}

func (e TranscriptEvent) eventType() string { return "transcript" }

// ReplyTextEvent carries the agent's reply text.
type ReplyTextEvent struct {
	Text string
}

func (e ReplyTextEvent) eventType() string { return "reply_text" }

// PlaybackStartedEvent reports that a reply clip began playing.
type PlaybackStartedEvent struct {
	Bytes int
}

func (e PlaybackStartedEvent) eventType() string { return "playback_started" }

// NoticeLevel grades a user-facing notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeInfo:
		return "info"
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "unknown"
	}
}

// NoticeEvent is a human-readable notice. Every fault class produces exactly
// one notice; none of them leave the session permanently disabled.
type NoticeEvent struct {
	Level   NoticeLevel
	Message string
}

func (e NoticeEvent) eventType() string { return "notice" }
