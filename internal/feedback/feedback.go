package feedback

import (
	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// Notifier plays audible cues for session start and stop and raises a
// desktop notification when a transcript lands. Everything here is best
// effort; a broken notification daemon must never affect a session.
type Notifier struct {
	logger zerolog.Logger
}

// NewNotifier creates desktop feedback backed by beeep.
func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{logger: logger.With().Str("component", "feedback").Logger()}
}

// SessionStarted plays the recording-started cue.
func (n *Notifier) SessionStarted() {
	if err := beeep.Beep(880, 80); err != nil {
		n.logger.Debug().Err(err).Msg("Start cue failed")
	}
}

// SessionStopped plays the recording-stopped cue, a lower tone than start.
func (n *Notifier) SessionStopped() {
	if err := beeep.Beep(440, 80); err != nil {
		n.logger.Debug().Err(err).Msg("Stop cue failed")
	}
}

// TranscriptReady raises a desktop notification with the final transcript.
func (n *Notifier) TranscriptReady(text string) {
	const maxBody = 120
	if len(text) > maxBody {
		text = text[:maxBody] + "…"
	}
	if err := beeep.Notify("voxkey", text, ""); err != nil {
		n.logger.Debug().Err(err).Msg("Transcript notification failed")
	}
}

// Noop silences all feedback; used when cues are disabled.
type Noop struct{}

func (Noop) SessionStarted() {}

func (Noop) SessionStopped() {}

func (Noop) TranscriptReady(text string) {}
