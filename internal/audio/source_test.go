package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petems/listen/internal/errs"
)

func TestSourceChunkSize(t *testing.T) {
	s := NewSource(NewFakeDriver(), SourceConfig{SampleRate: 48000, ChunkMS: 100})
	if s.ChunkSamples() != 4800 {
		t.Fatalf("expected 4800 samples per chunk, got %d", s.ChunkSamples())
	}
	if s.ChunkDuration() != 100*time.Millisecond {
		t.Fatalf("expected 100ms chunks, got %v", s.ChunkDuration())
	}

	tiny := NewSource(NewFakeDriver(), SourceConfig{SampleRate: 5, ChunkMS: 100})
	if tiny.ChunkSamples() != 1 {
		t.Fatalf("expected at least one sample per chunk, got %d", tiny.ChunkSamples())
	}
}

func TestSourceSingleOwner(t *testing.T) {
	drv := NewFakeDriver()
	s := NewSource(drv, SourceConfig{SampleRate: 16000, ChunkMS: 20})

	st, err := s.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	start := time.Now()
	if _, err := s.Open(); !errors.Is(err, ErrBusy) || !errors.Is(err, errs.ErrDevice) {
		t.Fatalf("expected busy device error, got %v", err)
	}
	if waited := time.Since(start); waited < 2*s.ChunkDuration() {
		t.Fatalf("expected busy only after waiting two chunks, got %v", waited)
	}
	if drv.Opens() != 1 {
		t.Fatalf("expected device opened once, got %d", drv.Opens())
	}

	st.Close()
	st.Close()
	if s.Busy() {
		t.Fatal("expected source to be released")
	}
	if drv.Closes() != 1 {
		t.Fatalf("expected one close, got %d", drv.Closes())
	}

	if _, err := st.Read(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

// slowDriver hands out devices whose reads take a fixed time and ignore
// cancellation, like a blocking hardware read.
type slowDriver struct {
	delay time.Duration
}

func (d slowDriver) OpenInput(string, int, int) (Device, error) { return slowDevice{d.delay}, nil }
func (d slowDriver) ListDevices() ([]AudioDevice, error)         { return nil, nil }
func (d slowDriver) Close() error                                { return nil }

type slowDevice struct {
	delay time.Duration
}

func (d slowDevice) Read(_ context.Context, buf []float32) error {
	time.Sleep(d.delay)
	return nil
}

func (d slowDevice) Close() error { return nil }

func TestSourceOpenWaitsForReleasingOwner(t *testing.T) {
	s := NewSource(slowDriver{delay: 60 * time.Millisecond}, SourceConfig{SampleRate: 16000, ChunkMS: 100})

	ctx, cancel := context.WithCancel(context.Background())
	owner := make(chan error, 1)
	go func() {
		owner <- s.Do(ctx, func(ctx context.Context, st *Stream) error {
			for {
				if _, err := st.Read(ctx); err != nil {
					return err
				}
			}
		})
	}()

	for i := 0; i < 100 && !s.Busy(); i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Busy() {
		t.Fatal("owner never acquired the source")
	}

	// the owner is stuck in a read and lets go once it returns
	cancel()
	st, err := s.Open()
	if err != nil {
		t.Fatalf("expected the next owner to get the source, got %v", err)
	}
	st.Close()

	select {
	case err := <-owner:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("owner ended with %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("owner did not finish")
	}
}

func TestSourceOpenContextCanceled(t *testing.T) {
	s := NewSource(NewFakeDriver(), SourceConfig{SampleRate: 16000, ChunkMS: 100})
	st, err := s.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.OpenContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestSourceOpenFailureReleases(t *testing.T) {
	drv := NewFakeDriver()
	drv.SetOpenErr(errors.New("no such device"))
	s := NewSource(drv, SourceConfig{SampleRate: 16000})

	if _, err := s.Open(); !errors.Is(err, errs.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	if s.Busy() {
		t.Fatal("failed open must not keep ownership")
	}
}

func TestSourceDoReleasesOnError(t *testing.T) {
	drv := NewFakeDriver()
	s := NewSource(drv, SourceConfig{SampleRate: 16000})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := s.Do(context.Background(), func(ctx context.Context, st *Stream) error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("cycle %d: expected boom, got %v", i, err)
		}
	}

	if drv.Opens() != 3 || drv.Closes() != 3 {
		t.Fatalf("expected 3 opens and 3 closes, got %d/%d", drv.Opens(), drv.Closes())
	}
	if s.Busy() {
		t.Fatal("expected source to be released")
	}
}

func TestStreamReadCopiesFrame(t *testing.T) {
	drv := NewFakeDriver()
	s := NewSource(drv, SourceConfig{SampleRate: 1000, ChunkMS: 10})

	st, err := s.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go drv.FeedConstant(ctx, 0.5, 10, 2)

	first, err := st.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	second, err := st.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if &first.Samples[0] == &second.Samples[0] {
		t.Fatal("expected each frame to own its samples")
	}
	if first.Duration() != 10*time.Millisecond {
		t.Fatalf("expected 10ms frame, got %v", first.Duration())
	}
}

func TestStreamReadHonorsContext(t *testing.T) {
	s := NewSource(NewFakeDriver(), SourceConfig{SampleRate: 1000, ChunkMS: 10})
	st, err := s.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := st.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
