package app

import (
	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/engine"
)

// forwarder relays one engine's events to the HUD. It alone knows which
// session is live and whether that session has failed; the controller asks
// through begin and end.
type forwarder struct {
	eng    engine.Engine
	status StatusUpdater
	log    zerolog.Logger

	starts chan string
	ends   chan chan error
	quit   chan struct{}
}

func newForwarder(eng engine.Engine, status StatusUpdater, log zerolog.Logger) *forwarder {
	f := &forwarder{
		eng:    eng,
		status: status,
		log:    log,
		starts: make(chan string),
		ends:   make(chan chan error),
		quit:   make(chan struct{}),
	}
	go f.run()
	return f
}

// begin marks session as live. Events handled afterwards belong to it.
func (f *forwarder) begin(session string) {
	f.starts <- session
}

// end handles every event already queued, closes the live session and
// returns the first error it reported.
func (f *forwarder) end() error {
	reply := make(chan error, 1)
	f.ends <- reply
	return <-reply
}

func (f *forwarder) close() {
	close(f.quit)
}

func (f *forwarder) run() {
	events := f.eng.Events()

	var (
		session string
		live    bool
		failed  error
	)
	handle := func(ev engine.Event) {
		if err := f.handle(ev, session, live); err != nil && live && failed == nil {
			failed = err
		}
	}

	for {
		select {
		case <-f.quit:
			return
		case session = <-f.starts:
			live, failed = true, nil
		case reply := <-f.ends:
			// anything queued before StopQuick returned is part of the session
		drain:
			for {
				select {
				case ev := <-events:
					handle(ev)
				default:
					break drain
				}
			}
			reply <- failed
			live, failed = false, nil
		case ev := <-events:
			handle(ev)
		}
	}
}

func (f *forwarder) handle(ev engine.Event, session string, live bool) error {
	switch ev.Kind {
	case engine.EventError:
		f.log.Error().Err(ev.Err).Str("provider", f.eng.Name()).Msg("Engine error")
		f.status.SetError(ev.Text)
		return ev.Err
	case engine.EventPartial:
		if live {
			f.status.SetPreview(session, ev.Text)
		}
	case engine.EventFinal:
		if live {
			f.log.Debug().Str("session", session).Int("chars", len(ev.Text)).Msg("Segment finalized")
		}
	}
	return nil
}
