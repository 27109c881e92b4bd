package hud

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/tmux"
)

const tmuxTimeout = 2 * time.Second

// Tmux renders the HUD through the @asr_on and @asr_preview global options,
// which the status line reads.
type Tmux struct {
	run tmux.Runner
	log zerolog.Logger

	mu  sync.Mutex
	gen uint64
}

func NewTmux(run tmux.Runner, log zerolog.Logger) *Tmux {
	return &Tmux{run: run, log: log.With().Str("component", "hud-tmux").Logger()}
}

func (t *Tmux) SetState(recording bool) error {
	on := "0"
	if recording {
		on = "1"
	}
	return t.set("@asr_on", on)
}

func (t *Tmux) SetPreview(text string) error {
	t.mu.Lock()
	t.gen++
	t.mu.Unlock()
	return t.set("@asr_preview", strings.Join(strings.Fields(text), " "))
}

// SetError shows text in the preview slot and clears it after clearAfter
// unless a newer preview replaced it.
func (t *Tmux) SetError(text string, clearAfter time.Duration) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	if err := t.set("@asr_preview", "❌ "+text); err != nil {
		return err
	}

	time.AfterFunc(clearAfter, func() {
		t.mu.Lock()
		stale := t.gen != gen
		t.mu.Unlock()
		if stale {
			return
		}
		if err := t.set("@asr_preview", ""); err != nil {
			t.log.Debug().Err(err).Msg("Clear error failed")
		}
	})
	return nil
}

func (t *Tmux) set(name, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxTimeout)
	defer cancel()

	if err := t.run.Run(ctx, "set", "-gq", name, value); err != nil {
		return err
	}
	// fails without an attached client; the status line catches up later
	if err := t.run.Run(ctx, "refresh-client", "-S"); err != nil {
		t.log.Debug().Err(err).Msg("Refresh status failed")
	}
	return nil
}
