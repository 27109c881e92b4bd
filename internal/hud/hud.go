// Package hud publishes recording state and transcript previews to a status
// display.
package hud

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/engine"
)

const (
	processingText = "Pasting…"
	noSpeechText   = "no speech"
)

// Display renders HUD state. Calls come from a single goroutine.
type Display interface {
	SetState(recording bool) error
	SetPreview(text string) error
	SetError(text string, clearAfter time.Duration) error
}

type Options struct {
	Throttle   time.Duration
	Width      int
	ErrorClear time.Duration
}

func DefaultOptions() Options {
	return Options{
		Throttle:   engine.DefaultThrottle,
		Width:      engine.DefaultPreviewWidth,
		ErrorClear: 3 * time.Second,
	}
}

type eventKind int

const (
	eventRecording eventKind = iota
	eventProcessing
	eventIdle
	eventPreview
	eventError
)

type event struct {
	kind     eventKind
	session  string
	text     string
	noSpeech bool
}

// Publisher queues HUD events in call order and renders them from Run.
// Previews only reach the display between the Recording and Idle events of
// their own session.
type Publisher struct {
	display Display
	opts    Options
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending []event
	wake    chan struct{}
}

func New(display Display, opts Options, log zerolog.Logger) *Publisher {
	def := DefaultOptions()
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}
	if opts.Width <= 0 {
		opts.Width = def.Width
	}
	if opts.ErrorClear <= 0 {
		opts.ErrorClear = def.ErrorClear
	}
	return &Publisher{
		display: display,
		opts:    opts,
		log:     log.With().Str("component", "hud").Logger(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

func (p *Publisher) SetRecording(session string) {
	p.push(event{kind: eventRecording, session: session})
}

func (p *Publisher) SetProcessing(session string) {
	p.push(event{kind: eventProcessing, session: session})
}

func (p *Publisher) SetIdle(session string, noSpeech bool) {
	p.push(event{kind: eventIdle, session: session, noSpeech: noSpeech})
}

func (p *Publisher) SetPreview(session, text string) {
	p.push(event{kind: eventPreview, session: session, text: text})
}

func (p *Publisher) SetError(text string) {
	p.push(event{kind: eventError, text: text})
}

// push never blocks. Consecutive previews of one session collapse into the
// latest.
func (p *Publisher) push(ev event) {
	p.mu.Lock()
	if n := len(p.pending); ev.kind == eventPreview && n > 0 {
		last := &p.pending[n-1]
		if last.kind == eventPreview && last.session == ev.session {
			last.text = ev.text
			p.mu.Unlock()
			return
		}
	}
	p.pending = append(p.pending, ev)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) take() []event {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.pending
	p.pending = nil
	return evs
}

// renderState is owned by Run.
type renderState struct {
	session    string
	recording  bool
	lastRender time.Time
	held       *string
	noticeAt   time.Time
	errorUntil time.Time
}

// Run renders queued events until ctx is done. Events queued before that
// are still rendered.
func (p *Publisher) Run(ctx context.Context) {
	var st renderState
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if d, ok := p.nextDeadline(&st); ok {
			timer.Reset(d)
		}

		select {
		case <-ctx.Done():
			for _, ev := range p.take() {
				p.apply(&st, ev)
			}
			return
		case <-p.wake:
			for _, ev := range p.take() {
				p.apply(&st, ev)
			}
		case <-timer.C:
			p.tick(&st)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (p *Publisher) nextDeadline(st *renderState) (time.Duration, bool) {
	now := p.now()
	var at time.Time
	if st.held != nil {
		at = st.lastRender.Add(p.opts.Throttle)
	}
	if !st.noticeAt.IsZero() && (at.IsZero() || st.noticeAt.Before(at)) {
		at = st.noticeAt
	}
	if at.IsZero() {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return time.Nanosecond, true
}

func (p *Publisher) tick(st *renderState) {
	now := p.now()
	if st.held != nil && now.Sub(st.lastRender) >= p.opts.Throttle {
		text := *st.held
		st.held = nil
		p.render(st, text)
	}
	if !st.noticeAt.IsZero() && !now.Before(st.noticeAt) {
		st.noticeAt = time.Time{}
		p.call("preview", p.display.SetPreview(""))
	}
}

func (p *Publisher) apply(st *renderState, ev event) {
	switch ev.kind {
	case eventRecording:
		st.session = ev.session
		st.recording = true
		st.held = nil
		st.noticeAt = time.Time{}
		st.errorUntil = time.Time{}
		p.call("state", p.display.SetState(true))
		p.call("preview", p.display.SetPreview(""))

	case eventPreview:
		if !st.recording || ev.session != st.session {
			p.log.Debug().Str("session", ev.session).Msg("Dropping preview outside its session")
			return
		}
		text := engine.Preview(ev.text, p.opts.Width)
		if p.now().Sub(st.lastRender) >= p.opts.Throttle {
			st.held = nil
			p.render(st, text)
			return
		}
		st.held = &text

	case eventProcessing:
		if ev.session != st.session {
			return
		}
		st.recording = false
		st.held = nil
		p.call("state", p.display.SetState(false))
		p.call("preview", p.display.SetPreview(processingText))

	case eventIdle:
		if ev.session != st.session {
			return
		}
		st.recording = false
		st.held = nil
		p.call("state", p.display.SetState(false))
		if ev.noSpeech {
			p.call("preview", p.display.SetPreview(noSpeechText))
			st.noticeAt = p.now().Add(p.opts.ErrorClear)
			return
		}
		if p.now().Before(st.errorUntil) {
			// leave the error up until it clears itself
			return
		}
		p.call("preview", p.display.SetPreview(""))

	case eventError:
		st.noticeAt = time.Time{}
		st.errorUntil = p.now().Add(p.opts.ErrorClear)
		p.call("error", p.display.SetError(engine.Preview(ev.text, p.opts.Width), p.opts.ErrorClear))
	}
}

func (p *Publisher) render(st *renderState, text string) {
	st.lastRender = p.now()
	p.call("preview", p.display.SetPreview(text))
}

func (p *Publisher) call(action string, err error) {
	if err != nil {
		p.log.Warn().Err(err).Str("action", action).Msg("HUD update failed")
	}
}
