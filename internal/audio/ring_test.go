package audio

import (
	"testing"
	"time"
)

func frameOf(value float32, samples, rate int) Frame {
	s := make([]float32, samples)
	for i := range s {
		s[i] = value
	}
	return Frame{Samples: s, SampleRate: rate}
}

func TestPrebufferRingEvictsOldest(t *testing.T) {
	r := NewPrebufferRing(300 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		r.Push(frameOf(float32(i), 100, 1000)) // 100ms each
	}

	if r.Len() != 3 {
		t.Fatalf("expected 3 frames, got %d", r.Len())
	}
	if r.Duration() != 300*time.Millisecond {
		t.Fatalf("expected 300ms buffered, got %v", r.Duration())
	}

	frames := r.Drain()
	for i, want := range []float32{3, 4, 5} {
		if frames[i].Samples[0] != want {
			t.Fatalf("frame %d: expected %v, got %v", i, want, frames[i].Samples[0])
		}
	}

	if r.Len() != 0 || r.Duration() != 0 {
		t.Fatal("expected ring to be empty after drain")
	}
}

func TestPrebufferRingNeverExceedsWindow(t *testing.T) {
	window := 250 * time.Millisecond
	r := NewPrebufferRing(window)

	for i := 0; i < 100; i++ {
		r.Push(frameOf(0.1, 40+i%3*20, 1000))
		if r.Duration() > window {
			t.Fatalf("push %d: buffered %v exceeds window %v", i, r.Duration(), window)
		}
	}
}

func TestPrebufferRingZeroWindow(t *testing.T) {
	r := NewPrebufferRing(0)
	r.Push(frameOf(1, 100, 1000))
	if r.Len() != 0 {
		t.Fatalf("expected zero-window ring to hold nothing, got %d", r.Len())
	}
}

func TestPrebufferRingClear(t *testing.T) {
	r := NewPrebufferRing(time.Second)
	r.Push(frameOf(1, 100, 1000))
	r.Clear()
	if r.Len() != 0 || len(r.Drain()) != 0 {
		t.Fatal("expected cleared ring to be empty")
	}
}
