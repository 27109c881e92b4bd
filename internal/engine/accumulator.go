package engine

import (
	"strings"
	"sync/atomic"
)

// transcript is an immutable snapshot: finalized segments in order plus the
// current partial. gen identifies the listening session that owns it.
type transcript struct {
	gen     uint64
	finals  []string
	partial string
}

func (t *transcript) text() string {
	parts := make([]string, 0, len(t.finals)+1)
	parts = append(parts, t.finals...)
	if t.partial != "" {
		parts = append(parts, t.partial)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// accumulator swaps whole snapshots, so readers never see a half-applied
// update and writers from an older session are discarded.
type accumulator struct {
	cur atomic.Pointer[transcript]
}

func newAccumulator() *accumulator {
	a := &accumulator{}
	a.cur.Store(&transcript{})
	return a
}

// reset starts a new session and returns its generation.
func (a *accumulator) reset() uint64 {
	for {
		old := a.cur.Load()
		next := &transcript{gen: old.gen + 1}
		if a.cur.CompareAndSwap(old, next) {
			return next.gen
		}
	}
}

func (a *accumulator) gen() uint64 { return a.cur.Load().gen }

func (a *accumulator) setPartial(gen uint64, text string) bool {
	text = strings.TrimSpace(text)
	return a.update(gen, func(old *transcript) *transcript {
		return &transcript{gen: old.gen, finals: old.finals, partial: text}
	})
}

func (a *accumulator) addFinal(gen uint64, text string) bool {
	text = strings.TrimSpace(text)
	return a.update(gen, func(old *transcript) *transcript {
		finals := old.finals[:len(old.finals):len(old.finals)]
		if text != "" {
			finals = append(finals, text)
		}
		return &transcript{gen: old.gen, finals: finals}
	})
}

func (a *accumulator) update(gen uint64, fn func(*transcript) *transcript) bool {
	for {
		old := a.cur.Load()
		if old.gen != gen {
			return false
		}
		if a.cur.CompareAndSwap(old, fn(old)) {
			return true
		}
	}
}

// Text returns a consistent snapshot of the session transcript.
func (a *accumulator) Text() string { return a.cur.Load().text() }
