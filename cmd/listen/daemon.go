package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/app"
	"github.com/petems/listen/internal/audio"
	"github.com/petems/listen/internal/config"
	"github.com/petems/listen/internal/control"
	"github.com/petems/listen/internal/engine"
	"github.com/petems/listen/internal/errs"
	"github.com/petems/listen/internal/hud"
	"github.com/petems/listen/internal/inject"
	"github.com/petems/listen/internal/logging"
	"github.com/petems/listen/internal/permissions"
	"github.com/petems/listen/internal/prewarm"
	"github.com/petems/listen/internal/tmux"
)

const shutdownBudget = 3 * time.Second

func runDaemon(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Session == "" {
		return errors.New("no session: pass --session or set LISTEN_SESSION")
	}
	path, err := socketPath(cfg)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.Session).With().Str("session", cfg.Session).Logger()

	// the session collaborator tears the daemon down with a signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	runner := tmux.Exec{}
	var paneRunner tmux.Runner
	if runner.Available() {
		paneRunner = runner
	}

	var display hud.Display = hud.NewLog(log)
	if cfg.HUD.Enabled && paneRunner != nil {
		display = hud.NewTmux(runner, log)
	}
	publisher := hud.New(display, hud.Options{
		Throttle:   time.Duration(cfg.HUD.ThrottleMS) * time.Millisecond,
		Width:      cfg.HUD.Width,
		ErrorClear: config.Seconds(cfg.HUD.ErrorClearSeconds),
	}, log)

	hudCtx, stopHUD := context.WithCancel(context.Background())
	hudDone := make(chan struct{})
	go func() {
		defer close(hudDone)
		publisher.Run(hudCtx)
	}()

	if err := permissions.EnsureMicrophone(); err != nil {
		stopHUD()
		return err
	}
	driver, err := openDriver(cfg.Audio)
	if err != nil {
		stopHUD()
		return err
	}
	defer driver.Close()

	src := audio.NewSource(driver, audio.SourceConfig{
		DeviceID:   cfg.Audio.DeviceID,
		SampleRate: cfg.Audio.SampleRate,
		ChunkMS:    cfg.Audio.ChunkMS,
	})

	policy, err := prewarm.ParsePolicy(cfg.Prewarm)
	if err != nil {
		stopHUD()
		return err
	}
	supply, err := prewarm.New(policy, cfg.Engine, candidates(cfg, src, log), log).Start(ctx)
	if err != nil {
		log.Error().Err(err).Msg("No recognition engine available, toggles are disabled")
		publisher.SetError(err.Error())
		supply = prewarm.Fallback(err)
	}

	application := app.New(app.Config{
		Engines:  supply,
		Injector: inject.New(cfg.Inject, paneRunner, log),
		Status:   publisher,
		Logger:   log,
	})

	listener := control.New(path, application, log)
	if err := listener.Listen(); err != nil {
		supply.Close()
		stopHUD()
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- listener.Serve(ctx) }()

	log.Info().
		Str("version", Version).
		Str("provider", supply.Provider()).
		Str("policy", string(policy)).
		Msg("listen daemon ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Control listener failed")
		}
	}

	if err := listener.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to remove control socket")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	supply.Close()

	stopHUD()
	<-hudDone
	return nil
}

func openDriver(c config.AudioConfig) (audio.Driver, error) {
	switch c.Backend {
	case "pulse":
		p, err := audio.NewPulse()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audio: %w", err)
		}
		return p, nil
	default:
		p, err := audio.NewPortAudio(c.Channels)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audio: %w", err)
		}
		return p, nil
	}
}

// candidates lists every provider in selection order.
func candidates(cfg *config.Config, src *audio.Source, log zerolog.Logger) []prewarm.Candidate {
	preview := engine.PreviewOptions{
		Throttle: time.Duration(cfg.HUD.ThrottleMS) * time.Millisecond,
		Width:    cfg.HUD.Width,
	}

	cloud := func(name string, dial engine.Dialer) func() (engine.Engine, error) {
		return func() (engine.Engine, error) {
			cc := engine.DefaultCloudConfig(name)
			cc.Preview = preview
			return engine.NewCloud(cc, dial, src, log), nil
		}
	}
	needKey := func(name, key string) func() error {
		return func() error {
			if key == "" {
				return errs.Errorf(errs.EngineUnavailable, name, "no API key configured")
			}
			return nil
		}
	}

	return []prewarm.Candidate{
		{
			Provider: config.EngineSherpa,
			Check: func() error {
				_, err := sherpaModel(cfg)
				return err
			},
			Build: func() (engine.Engine, error) {
				return buildLocal(cfg, src, preview, log)
			},
		},
		{
			Provider: config.EngineAssemblyAI,
			Remote:   true,
			Check:    needKey(config.EngineAssemblyAI, cfg.AssemblyAI.APIKey),
			Build: cloud(config.EngineAssemblyAI, engine.DialAssemblyAI(engine.AssemblyAIConfig{
				APIKey: cfg.AssemblyAI.APIKey,
				URL:    cfg.AssemblyAI.URL,
			})),
		},
		{
			Provider: config.EngineDeepgram,
			Remote:   true,
			Check:    needKey(config.EngineDeepgram, cfg.Deepgram.APIKey),
			Build: cloud(config.EngineDeepgram, engine.DialDeepgram(engine.DeepgramConfig{
				APIKey: cfg.Deepgram.APIKey,
				URL:    cfg.Deepgram.URL,
				Model:  cfg.Deepgram.Model,
			})),
		},
	}
}

// sherpaModel resolves model paths from explicit settings, else from the
// default model in the models directory.
func sherpaModel(cfg *config.Config) (engine.SherpaConfig, error) {
	sc := engine.SherpaConfig{
		Encoder: cfg.Sherpa.Encoder,
		Decoder: cfg.Sherpa.Decoder,
		Joiner:  cfg.Sherpa.Joiner,
		Tokens:  cfg.Sherpa.Tokens,
	}
	if !cfg.Sherpa.HasModel() {
		found, err := engine.FindModel(filepath.Join(cfg.ModelsDir, engine.DefaultModel))
		if err != nil {
			if errs.KindOf(err) == errs.Other {
				err = errs.E(errs.EngineUnavailable, config.EngineSherpa, err)
			}
			return sc, err
		}
		sc = found
	}
	sc.Provider = cfg.Sherpa.Provider
	sc.Threads = cfg.Sherpa.Threads
	sc.Decoding = cfg.Sherpa.Decoding
	return sc, sc.Check()
}

func buildLocal(cfg *config.Config, src *audio.Source, preview engine.PreviewOptions, log zerolog.Logger) (engine.Engine, error) {
	sc, err := sherpaModel(cfg)
	if err != nil {
		return nil, err
	}
	rec, err := engine.NewSherpa(sc)
	if err != nil {
		return nil, err
	}

	lc := engine.DefaultLocalConfig()
	lc.AlwaysOn = cfg.Capture != config.CapturePushToTalk
	lc.Prebuffer = config.Seconds(cfg.Audio.PrebufferSeconds)
	lc.Preview = preview
	lc.Endpoint = engine.EndpointRules{
		TrailingSilence:          config.Seconds(cfg.Endpoint.Rule1Seconds),
		TrailingSilenceAfterText: config.Seconds(cfg.Endpoint.Rule2Seconds),
		MinUtterance:             config.Seconds(cfg.Endpoint.MinUtteranceSeconds),
		SilenceRMS:               cfg.Endpoint.SilenceRMS,
	}
	return engine.NewLocal(lc, rec, src, log), nil
}
