package inject

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/config"
	"github.com/petems/listen/internal/tmux"
)

const bufferName = "listen_asr"

var errNoTarget = errors.New("no paste target")

type pasteInjector struct {
	cfg            config.InjectConfig
	run            tmux.Runner
	log            zerolog.Logger
	writeClipboard func(string) error
}

// New creates a text injector. A nil runner disables tmux paste.
func New(cfg config.InjectConfig, run tmux.Runner, log zerolog.Logger) Injector {
	return &pasteInjector{
		cfg:            cfg,
		run:            run,
		log:            log.With().Str("component", "inject").Logger(),
		writeClipboard: clipboard.WriteAll,
	}
}

// Deliver pastes into the tmux pane when possible and falls back to the
// system clipboard.
func (p *pasteInjector) Deliver(ctx context.Context, target, text string) error {
	if text == "" {
		return nil
	}

	if target != "" && p.run != nil && p.cfg.PreferPaste {
		err := p.pasteTmux(ctx, target, text)
		if err == nil {
			p.log.Info().Str("target", target).Int("chars", len(text)).Msg("Pasted transcript")
			return nil
		}
		if !p.cfg.ClipboardFallback {
			return err
		}
		p.log.Warn().Err(err).Str("target", target).Msg("Pane paste failed, using clipboard")
	} else if !p.cfg.ClipboardFallback {
		return errNoTarget
	}

	if err := p.writeClipboard(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	p.log.Info().Int("chars", len(text)).Msg("Copied transcript to clipboard")
	return nil
}

// pasteTmux loads text into a named buffer and bracket-pastes it, so the
// target shell does not execute embedded newlines.
func (p *pasteInjector) pasteTmux(ctx context.Context, target, text string) error {
	f, err := os.CreateTemp("", "listen-asr-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create paste file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("failed to write paste file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write paste file: %w", err)
	}

	if err := p.run.Run(ctx, "load-buffer", "-b", bufferName, path); err != nil {
		return err
	}
	if err := p.run.Run(ctx, "paste-buffer", "-p", "-d", "-b", bufferName, "-t", target); err != nil {
		return err
	}

	if err := p.run.Run(ctx, "display-message", "✅ Pasted ASR into "+target); err != nil {
		p.log.Debug().Err(err).Msg("Display message failed")
	}
	return nil
}
