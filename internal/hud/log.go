package hud

import (
	"time"

	"github.com/rs/zerolog"
)

// Log is a Display for running outside tmux.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "hud").Logger()}
}

func (l *Log) SetState(recording bool) error {
	l.log.Info().Bool("recording", recording).Msg("HUD state")
	return nil
}

func (l *Log) SetPreview(text string) error {
	if text != "" {
		l.log.Debug().Str("preview", text).Msg("HUD preview")
	}
	return nil
}

func (l *Log) SetError(text string, clearAfter time.Duration) error {
	l.log.Error().Str("error", text).Dur("clear_after", clearAfter).Msg("HUD error")
	return nil
}
