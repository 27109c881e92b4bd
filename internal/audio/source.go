package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petems/listen/internal/errs"
)

var (
	// ErrBusy is returned when the microphone already has an owner.
	ErrBusy = errors.New("microphone already in use")
	// ErrClosed is returned by reads on a released stream.
	ErrClosed = errors.New("stream closed")
)

const DefaultChunkMS = 100

type SourceConfig struct {
	DeviceID   string
	SampleRate int
	ChunkMS    int
}

// Source owns the microphone. At most one Stream is open at a time; the only
// ownership transitions are nobody -> caller (Open) and caller -> nobody
// (Stream.Close).
type Source struct {
	driver Driver
	cfg    SourceConfig
	chunk  int

	mu       sync.Mutex
	owned    bool
	released chan struct{} // closed when the current owner lets go
}

func NewSource(driver Driver, cfg SourceConfig) *Source {
	if cfg.ChunkMS <= 0 {
		cfg.ChunkMS = DefaultChunkMS
	}
	chunk := cfg.SampleRate * cfg.ChunkMS / 1000
	if chunk < 1 {
		chunk = 1
	}
	return &Source{driver: driver, cfg: cfg, chunk: chunk}
}

func (s *Source) SampleRate() int   { return s.cfg.SampleRate }
func (s *Source) ChunkSamples() int { return s.chunk }

func (s *Source) ChunkDuration() time.Duration {
	return time.Duration(s.cfg.ChunkMS) * time.Millisecond
}

// Busy reports whether a stream is currently open.
func (s *Source) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owned
}

// Open acquires the device. The caller must Close the returned stream.
func (s *Source) Open() (*Stream, error) {
	return s.OpenContext(context.Background())
}

// OpenContext acquires the device. A previous owner still finishing its last
// read gets up to two chunk durations to let go before the source reports
// ErrBusy.
func (s *Source) OpenContext(ctx context.Context) (*Stream, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	dev, err := s.driver.OpenInput(s.cfg.DeviceID, s.cfg.SampleRate, s.chunk)
	if err != nil {
		s.release()
		return nil, errs.E(errs.Device, "open microphone", err)
	}

	return &Stream{
		src: s,
		dev: dev,
		buf: make([]float32, s.chunk),
	}, nil
}

func (s *Source) acquire(ctx context.Context) error {
	timer := time.NewTimer(2 * s.ChunkDuration())
	defer timer.Stop()

	for {
		s.mu.Lock()
		if !s.owned {
			s.owned = true
			s.released = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		released := s.released
		s.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return errs.E(errs.Device, "open microphone", ErrBusy)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Source) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned {
		s.owned = false
		close(s.released)
	}
}

// Do opens the device, runs fn and releases the device on every path.
func (s *Source) Do(ctx context.Context, fn func(ctx context.Context, st *Stream) error) error {
	st, err := s.OpenContext(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

// Stream is an acquired microphone. It is used by a single goroutine.
type Stream struct {
	src    *Source
	dev    Device
	buf    []float32
	once   sync.Once
	closed atomic.Bool
}

// Read blocks for the next chunk and returns it as a freshly allocated frame.
func (st *Stream) Read(ctx context.Context) (Frame, error) {
	if st.closed.Load() {
		return Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	if err := st.dev.Read(ctx, st.buf); err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, errs.E(errs.Device, "read microphone", err)
	}

	samples := make([]float32, len(st.buf))
	copy(samples, st.buf)

	return Frame{
		Samples:    samples,
		SampleRate: st.src.cfg.SampleRate,
		At:         time.Now(),
	}, nil
}

// Close releases the device. Safe to call more than once.
func (st *Stream) Close() error {
	var err error
	st.once.Do(func() {
		st.closed.Store(true)
		err = st.dev.Close()
		st.src.release()
	})
	return err
}
