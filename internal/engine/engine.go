// Package engine defines the recognition engine contract and its cloud and
// local implementations.
package engine

import "context"

// Engine turns microphone audio into transcript text.
//
// Start must not block on warm-up. StopQuick must return promptly with the
// best transcript so far: finalized segments joined with the latest partial.
// Release ends the background work of the session StopQuick just ended
// (connection, capture goroutine) and may block; the instance stays ready
// for the next Start. Shutdown frees the instance for good, may block and
// must not be called twice concurrently. Events are delivered on a single
// channel per engine instance.
type Engine interface {
	Name() string
	Start()
	StopQuick() string
	Release()
	Shutdown()
	IsListening() bool
	// AlwaysOn reports whether capture keeps running across stops.
	AlwaysOn() bool
	Events() <-chan Event
}

// Prewarmer is implemented by engines that can connect or load ahead of
// the first Start.
type Prewarmer interface {
	Prewarm(ctx context.Context) error
}

type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a transcript update or an engine failure.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}
