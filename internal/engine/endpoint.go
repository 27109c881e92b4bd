package engine

import (
	"time"

	"github.com/petems/listen/internal/audio"
)

// EndpointRules decide when a spoken segment is complete.
type EndpointRules struct {
	// TrailingSilence ends a segment regardless of decoded text.
	TrailingSilence time.Duration
	// TrailingSilenceAfterText ends a segment once the recognizer has text.
	TrailingSilenceAfterText time.Duration
	// MinUtterance is the shortest voiced span that may be finalized.
	MinUtterance time.Duration
	// SilenceRMS is the level below which a frame counts as silence.
	SilenceRMS float64
}

func DefaultEndpointRules() EndpointRules {
	return EndpointRules{
		TrailingSilence:          2400 * time.Millisecond,
		TrailingSilenceAfterText: 1200 * time.Millisecond,
		MinUtterance:             300 * time.Millisecond,
		SilenceRMS:               0.01,
	}
}

// Endpointer segments a frame sequence by trailing silence and utterance
// length. The utterance spans from the first voiced frame to the end of the
// last one.
type Endpointer struct {
	rules     EndpointRules
	started   bool
	utterance time.Duration
	trailing  time.Duration
}

func NewEndpointer(rules EndpointRules) *Endpointer {
	return &Endpointer{rules: rules}
}

// Observe consumes one frame and reports whether the segment just ended.
// The endpointer resets itself when it fires.
func (e *Endpointer) Observe(f audio.Frame, hasText bool) bool {
	d := f.Duration()

	if audio.RMS(f.Samples) >= e.rules.SilenceRMS {
		e.utterance += e.trailing + d
		e.trailing = 0
		e.started = true
		return false
	}
	if !e.started {
		return false
	}

	e.trailing += d

	limit := e.rules.TrailingSilence
	if hasText && e.rules.TrailingSilenceAfterText > 0 && e.rules.TrailingSilenceAfterText < limit {
		limit = e.rules.TrailingSilenceAfterText
	}
	if e.trailing < limit {
		return false
	}

	if e.utterance < e.rules.MinUtterance {
		// too short to be speech; forget it once the long rule has passed
		if e.trailing >= e.rules.TrailingSilence {
			e.Reset()
		}
		return false
	}

	e.Reset()
	return true
}

func (e *Endpointer) Reset() {
	e.started = false
	e.utterance = 0
	e.trailing = 0
}

// Utterance returns the voiced span observed so far.
func (e *Endpointer) Utterance() time.Duration { return e.utterance }

// Trailing returns the silence observed since the last voiced frame.
func (e *Endpointer) Trailing() time.Duration { return e.trailing }
