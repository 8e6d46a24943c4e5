package voiceloop

import (
	"context"
	"log/slog"

	"github.com/voiceloop/voiceloop/pkg/core"
)

// Player renders one complete reply clip. Play returns when playback ends or
// fails; cancelling ctx stops playback promptly. Implementations live at the
// edges (a speaker device, a file sink, a test fake).
type Player interface {
	Play(ctx context.Context, clip []byte) error
}

// PlaybackOutcome is the single completion report of one Play call.
type PlaybackOutcome struct {
	Err error
}

// Completed reports whether playback finished without a fault.
func (o PlaybackOutcome) Completed() bool { return o.Err == nil }

// playbackController owns reply playback. Exactly one outcome is delivered
// per play call, success or failure, so the coordinator always receives its
// speaking-finished trigger. Driven only from the session loop.
type playbackController struct {
	player   Player
	logger   *slog.Logger
	outcomes chan PlaybackOutcome

	playing bool
	cancel  context.CancelFunc
}

func newPlaybackController(player Player, logger *slog.Logger) *playbackController {
	return &playbackController{
		player:   player,
		logger:   logger,
		outcomes: make(chan PlaybackOutcome, 1),
	}
}

// play starts rendering the clip. The caller confirms capture is stopped
// before calling. Playback faults are caught here and converted into the
// outcome; they never escape as panics or lost turns.
func (p *playbackController) play(clip []byte) {
	ctx, cancel := context.WithCancel(context.Background())
	p.playing = true
	p.cancel = cancel

	go func() {
		defer cancel()
		err := p.player.Play(ctx, clip)
		if err != nil {
			err = core.NewPlaybackError(err)
		}
		p.outcomes <- PlaybackOutcome{Err: err}
	}()
}

// stop cancels an in-flight playback. The outcome still arrives.
func (p *playbackController) stop() {
	if p.playing && p.cancel != nil {
		p.cancel()
	}
}

// finished marks the controller idle after its outcome was consumed.
func (p *playbackController) finished() {
	p.playing = false
	p.cancel = nil
}
