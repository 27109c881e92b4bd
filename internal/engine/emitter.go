package engine

import (
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const (
	DefaultThrottle     = 75 * time.Millisecond
	DefaultPreviewWidth = 60

	eventBuffer = 64
	ellipsis    = "…"
)

// PreviewOptions bounds how often and how long partial text is emitted.
type PreviewOptions struct {
	Throttle time.Duration
	Width    int
}

func (o PreviewOptions) withDefaults() PreviewOptions {
	if o.Throttle < 0 {
		o.Throttle = 0
	}
	if o.Width <= 0 {
		o.Width = DefaultPreviewWidth
	}
	return o
}

// Preview collapses whitespace and truncates text to at most width runes,
// marking truncation with an ellipsis.
func Preview(text string, width int) string {
	text = strings.Join(strings.Fields(text), " ")
	if width <= 0 || utf8.RuneCountInString(text) <= width {
		return text
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:width-1]), " ") + ellipsis
}

// emitter is the single delivery point for an engine's events. Sends never
// block the capture loop; a full channel drops the event.
type emitter struct {
	ch      chan Event
	opts    PreviewOptions
	now     func() time.Time
	last    atomic.Int64
	dropped atomic.Int64
}

func newEmitter(opts PreviewOptions) *emitter {
	return &emitter{
		ch:   make(chan Event, eventBuffer),
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

func (e *emitter) events() <-chan Event { return e.ch }

// resetThrottle lets the first partial of a new session through immediately.
func (e *emitter) resetThrottle() { e.last.Store(0) }

// partial emits a throttled, truncated preview. It reports whether the text
// was emitted.
func (e *emitter) partial(text string) bool {
	text = Preview(text, e.opts.Width)
	if text == "" {
		return false
	}

	now := e.now().UnixNano()
	last := e.last.Load()
	if last != 0 && time.Duration(now-last) < e.opts.Throttle {
		return false
	}
	if !e.last.CompareAndSwap(last, now) {
		return false
	}

	e.send(Event{Kind: EventPartial, Text: text})
	return true
}

func (e *emitter) final(text string) {
	if text = strings.TrimSpace(text); text != "" {
		e.send(Event{Kind: EventFinal, Text: text})
	}
}

func (e *emitter) fail(err error) {
	e.send(Event{Kind: EventError, Text: err.Error(), Err: err})
}

func (e *emitter) send(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}
