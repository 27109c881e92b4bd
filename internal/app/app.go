package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/engine"
	"github.com/petems/listen/internal/errs"
	"github.com/petems/listen/internal/inject"
)

type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

type Action int

const (
	Started Action = iota
	StoppedWithText
	StoppedEmpty
	Rejected
)

func (a Action) String() string {
	switch a {
	case Started:
		return "started"
	case StoppedWithText:
		return "stopped_with_text"
	case StoppedEmpty:
		return "stopped_empty"
	default:
		return "rejected"
	}
}

// Outcome is the result of one Toggle.
type Outcome struct {
	Action Action
	Text   string
	Kind   errs.Kind
	Err    error
}

// Supplier hands out engine instances. The controller requests one and keeps
// it until Shutdown.
type Supplier interface {
	Next() (engine.Engine, error)
}

// StatusUpdater receives HUD state changes. Calls must not block.
type StatusUpdater interface {
	SetRecording(session string)
	SetProcessing(session string)
	SetIdle(session string, noSpeech bool)
	SetPreview(session, text string)
	SetError(text string)
}

type Config struct {
	Engines        Supplier
	Injector       inject.Injector
	Status         StatusUpdater // Optional - can be nil
	Logger         zerolog.Logger
	DeliverTimeout time.Duration
}

// App is the toggle state machine. Transitions are serialized by a gate:
// a Toggle that arrives while another is running is rejected, not queued.
// The fields below the gate belong to whoever holds it; engine events are
// tracked by the forwarder goroutine alone.
type App struct {
	engines Supplier
	inj     inject.Injector
	status  StatusUpdater
	log     zerolog.Logger
	timeout time.Duration

	gate   atomic.Bool
	closed atomic.Bool
	state  atomic.Int32

	eng     engine.Engine
	fwd     *forwarder
	session string
	target  string

	releases sync.WaitGroup
}

func New(cfg Config) *App {
	status := cfg.Status
	if status == nil {
		status = nopStatus{}
	}
	timeout := cfg.DeliverTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &App{
		engines: cfg.Engines,
		inj:     cfg.Injector,
		status:  status,
		log:     cfg.Logger,
		timeout: timeout,
	}
}

// Toggle flips between Idle and Recording. Stopping returns as soon as the
// engine hands back its transcript and the text is delivered; the session's
// connection and capture are released in the background.
func (a *App) Toggle(target string) Outcome {
	if !a.gate.CompareAndSwap(false, true) {
		a.log.Warn().Str("target", target).Msg("Toggle rejected, transition in flight")
		return Outcome{Action: Rejected}
	}
	defer a.gate.Store(false)

	if a.closed.Load() {
		return Outcome{Action: Rejected}
	}

	if a.State() == Idle {
		return a.start(target)
	}
	return a.stop(target)
}

// State returns the current toggle state.
func (a *App) State() State {
	return State(a.state.Load())
}

func (a *App) start(target string) Outcome {
	if a.eng == nil {
		eng, err := a.engines.Next()
		if err != nil {
			if errs.KindOf(err) == errs.Other {
				err = errs.E(errs.EngineUnavailable, "start", err)
			}
			a.log.Error().Err(err).Msg("No recognition engine")
			a.status.SetError(err.Error())
			return Outcome{Action: Rejected, Kind: errs.KindOf(err), Err: err}
		}
		a.eng = eng
		a.fwd = newForwarder(eng, a.status, a.log)
	}

	a.session = uuid.NewString()
	a.target = target
	a.state.Store(int32(Recording))

	// Recording must reach the HUD before any preview of this session
	a.status.SetRecording(a.session)
	a.fwd.begin(a.session)
	a.eng.Start()

	a.log.Info().
		Str("session", a.session).
		Str("target", target).
		Str("provider", a.eng.Name()).
		Msg("Recording started")
	return Outcome{Action: Started}
}

func (a *App) stop(target string) Outcome {
	eng, session := a.eng, a.session
	if target == "" {
		target = a.target
	}

	text := eng.StopQuick()
	sessErr := a.fwd.end()
	a.state.Store(int32(Idle))

	if !eng.AlwaysOn() {
		a.release(eng)
	}

	log := a.log.With().Str("session", session).Str("target", target).Logger()

	if sessErr != nil {
		log.Warn().Err(sessErr).Msg("Recording ended with an error, discarding text")
		a.status.SetIdle(session, false)
		return Outcome{Action: StoppedEmpty, Kind: errs.KindOf(sessErr), Err: sessErr}
	}

	if text == "" {
		log.Info().Msg("No speech")
		a.status.SetIdle(session, true)
		return Outcome{Action: StoppedEmpty}
	}

	a.status.SetProcessing(session)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.inj.Deliver(ctx, target, text); err != nil {
		log.Error().Err(err).Int("chars", len(text)).Msg("Paste failed")
		a.status.SetIdle(session, false)
		a.status.SetError("paste failed: " + err.Error())
		return Outcome{Action: StoppedWithText, Text: text, Kind: errs.KindOf(err), Err: err}
	}

	log.Info().Int("chars", len(text)).Msg("Recording stopped")
	a.status.SetIdle(session, false)
	return Outcome{Action: StoppedWithText, Text: text}
}

// release ends a push-to-talk session's background work off the toggle
// path. The engine itself stays loaded for the next recording.
func (a *App) release(eng engine.Engine) {
	a.releases.Add(1)
	go func() {
		defer a.releases.Done()
		start := time.Now()
		eng.Release()
		a.log.Debug().
			Str("provider", eng.Name()).
			Dur("took", time.Since(start)).
			Msg("Session released")
	}()
}

// Shutdown stops an active recording without pasting, shuts the engine down
// and waits for it until ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	if a.closed.Load() {
		return nil
	}
	for !a.gate.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	// the gate stays closed; later toggles are rejected
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	eng := a.eng
	if eng != nil && a.State() == Recording {
		eng.StopQuick()
		a.fwd.end()
		a.status.SetIdle(a.session, false)
	}
	a.state.Store(int32(Idle))
	if a.fwd != nil {
		a.fwd.close()
	}
	a.eng, a.fwd = nil, nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.releases.Wait()
		if eng == nil {
			return
		}
		start := time.Now()
		eng.Shutdown()
		a.log.Debug().
			Str("provider", eng.Name()).
			Dur("took", time.Since(start)).
			Msg("Engine shut down")
	}()

	select {
	case <-done:
		a.log.Info().Msg("Shutdown complete")
		return nil
	case <-ctx.Done():
		a.log.Error().Msg("Timed out waiting for engine shutdown")
		return ctx.Err()
	}
}

type nopStatus struct{}

func (nopStatus) SetRecording(string)       {}
func (nopStatus) SetProcessing(string)      {}
func (nopStatus) SetIdle(string, bool)      {}
func (nopStatus) SetPreview(string, string) {}
func (nopStatus) SetError(string)           {}
