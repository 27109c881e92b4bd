package audio

import "time"

// PrebufferRing keeps the most recent window of frames so speech just before
// a toggle is not lost. It is owned by one capture loop and is not safe for
// concurrent use.
type PrebufferRing struct {
	window time.Duration
	frames []Frame
	head   int
	total  time.Duration
}

func NewPrebufferRing(window time.Duration) *PrebufferRing {
	if window < 0 {
		window = 0
	}
	return &PrebufferRing{window: window}
}

// Push appends a frame and evicts the oldest frames until the buffered
// duration fits the window.
func (r *PrebufferRing) Push(f Frame) {
	d := f.Duration()
	if r.window == 0 || d > r.window {
		r.Clear()
		return
	}

	r.frames = append(r.frames, f)
	r.total += d

	for r.total > r.window {
		r.total -= r.frames[r.head].Duration()
		r.frames[r.head] = Frame{}
		r.head++
	}

	// compact once the dead prefix dominates
	if r.head > 0 && r.head*2 >= len(r.frames) {
		n := copy(r.frames, r.frames[r.head:])
		for i := n; i < len(r.frames); i++ {
			r.frames[i] = Frame{}
		}
		r.frames = r.frames[:n]
		r.head = 0
	}
}

// Drain returns the buffered frames oldest first and empties the ring.
func (r *PrebufferRing) Drain() []Frame {
	live := r.frames[r.head:]
	out := make([]Frame, len(live))
	copy(out, live)
	r.Clear()
	return out
}

func (r *PrebufferRing) Clear() {
	r.frames = nil
	r.head = 0
	r.total = 0
}

func (r *PrebufferRing) Len() int { return len(r.frames) - r.head }

func (r *PrebufferRing) Duration() time.Duration { return r.total }

func (r *PrebufferRing) Window() time.Duration { return r.window }
