package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/audio"
)

type LocalConfig struct {
	// AlwaysOn keeps the microphone open and the decode loop running from
	// construction until Shutdown. Start and StopQuick only gate output.
	AlwaysOn bool
	// Prebuffer is the pre-roll replayed into the recognizer on Start.
	Prebuffer time.Duration
	// Padding is silence fed ahead of each session.
	Padding     time.Duration
	Endpoint    EndpointRules
	Preview     PreviewOptions
	JoinTimeout time.Duration
}

func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		AlwaysOn:    true,
		Prebuffer:   time.Second,
		Padding:     120 * time.Millisecond,
		Endpoint:    DefaultEndpointRules(),
		Preview:     PreviewOptions{Throttle: DefaultThrottle, Width: DefaultPreviewWidth},
		JoinTimeout: 1500 * time.Millisecond,
	}
}

// Local runs a streaming recognizer on-device.
type Local struct {
	cfg  LocalConfig
	rec  Recognizer
	src  *audio.Source
	log  zerolog.Logger
	emit *emitter
	acc  *accumulator

	listening atomic.Bool
	starts    chan uint64

	// hyp is the last hypothesis seen by the capture goroutine
	hyp string

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown bool
}

// NewLocal wraps rec. With AlwaysOn the microphone is opened immediately.
func NewLocal(cfg LocalConfig, rec Recognizer, src *audio.Source, log zerolog.Logger) *Local {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 1500 * time.Millisecond
	}
	l := &Local{
		cfg:    cfg,
		rec:    rec,
		src:    src,
		log:    log.With().Str("engine", "sherpa-onnx").Logger(),
		emit:   newEmitter(cfg.Preview),
		acc:    newAccumulator(),
		starts: make(chan uint64, 1),
	}

	if cfg.AlwaysOn {
		l.mu.Lock()
		l.launchLocked(l.hotLoop, 0)
		l.mu.Unlock()
	}
	return l
}

func (l *Local) Name() string         { return "sherpa-onnx" }
func (l *Local) AlwaysOn() bool       { return l.cfg.AlwaysOn }
func (l *Local) Events() <-chan Event { return l.emit.events() }
func (l *Local) IsListening() bool    { return l.listening.Load() }

func (l *Local) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shutdown || l.listening.Load() {
		return
	}

	gen := l.acc.reset()
	l.emit.resetThrottle()
	l.listening.Store(true)

	if !l.cfg.AlwaysOn {
		l.launchLocked(l.segmentLoop, gen)
		return
	}

	if !l.aliveLocked() {
		// the previous loop died on a device error; try the mic again
		l.launchLocked(l.hotLoop, 0)
	}
	select {
	case <-l.starts:
	default:
	}
	l.starts <- gen
}

func (l *Local) StopQuick() string {
	if !l.listening.CompareAndSwap(true, false) {
		return ""
	}
	if !l.cfg.AlwaysOn {
		l.mu.Lock()
		if l.cancel != nil {
			l.cancel()
		}
		l.mu.Unlock()
	}
	return l.acc.Text()
}

// Release waits, within JoinTimeout, for a stopped push-to-talk session to
// give up the microphone. The recognizer stays loaded for the next Start.
func (l *Local) Release() {
	if l.cfg.AlwaysOn {
		return
	}
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil || l.listening.Load() {
		return
	}

	select {
	case <-done:
	case <-time.After(l.cfg.JoinTimeout):
		l.log.Warn().Dur("timeout", l.cfg.JoinTimeout).Msg("Capture loop slow to release the microphone")
	}
}

// Shutdown stops the capture loop, joins it within JoinTimeout and frees
// the recognizer.
func (l *Local) Shutdown() {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return
	}
	l.shutdown = true
	l.listening.Store(false)
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(l.cfg.JoinTimeout):
			l.log.Error().Dur("timeout", l.cfg.JoinTimeout).Msg("Capture loop did not exit")
			return
		}
	}

	if err := l.rec.Close(); err != nil {
		l.log.Warn().Err(err).Msg("Recognizer close failed")
	}
}

// launchLocked starts a capture goroutine once the previous one has exited.
func (l *Local) launchLocked(loop func(context.Context, uint64) error, gen uint64) {
	prev := l.done
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel, l.done = cancel, done

	go func() {
		var err error
		if waitPrev(ctx, prev) {
			err = loop(ctx, gen)
		}
		failed := err != nil && ctx.Err() == nil
		if failed {
			l.listening.Store(false)
			l.log.Error().Err(err).Msg("Capture stopped")
		}
		// a Start after the error event must see this loop as dead
		close(done)
		if failed {
			l.emit.fail(err)
		}
	}()
}

func waitPrev(ctx context.Context, prev <-chan struct{}) bool {
	if prev == nil {
		return true
	}
	select {
	case <-prev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Local) aliveLocked() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// hotLoop owns the microphone for the engine's lifetime. While idle, frames
// go to the prebuffer; a start request replays it into a fresh recognizer.
func (l *Local) hotLoop(ctx context.Context, _ uint64) error {
	return l.src.Do(ctx, func(ctx context.Context, st *audio.Stream) error {
		ring := audio.NewPrebufferRing(l.cfg.Prebuffer)
		ep := NewEndpointer(l.cfg.Endpoint)
		var gen uint64
		active := false

		l.log.Debug().Dur("prebuffer", l.cfg.Prebuffer).Msg("Hot mic loop running")

		for {
			frame, err := st.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			select {
			case g := <-l.starts:
				gen, active = g, true
				ring.Push(frame)
				l.begin(gen, ep, ring.Drain())
				continue
			default:
			}

			if active && !l.listening.Load() {
				active = false
				ep.Reset()
			}
			if !active {
				ring.Push(frame)
				continue
			}
			l.feed(gen, frame, ep)
		}
	})
}

// segmentLoop holds the microphone for one push-to-talk session.
func (l *Local) segmentLoop(ctx context.Context, gen uint64) error {
	return l.src.Do(ctx, func(ctx context.Context, st *audio.Stream) error {
		ep := NewEndpointer(l.cfg.Endpoint)
		l.begin(gen, ep, nil)

		for {
			frame, err := st.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if !l.listening.Load() {
				return nil
			}
			l.feed(gen, frame, ep)
		}
	})
}

func (l *Local) begin(gen uint64, ep *Endpointer, preroll []audio.Frame) {
	l.rec.Reset()
	ep.Reset()
	l.hyp = ""

	rate := l.src.SampleRate()
	if pad := int(l.cfg.Padding.Seconds() * float64(rate)); pad > 0 {
		l.rec.AcceptWaveform(rate, make([]float32, pad))
	}
	for _, f := range preroll {
		l.feed(gen, f, ep)
	}

	l.log.Debug().Int("preroll_frames", len(preroll)).Msg("Session started")
}

func (l *Local) feed(gen uint64, f audio.Frame, ep *Endpointer) {
	l.rec.AcceptWaveform(f.SampleRate, f.Samples)
	hyp := strings.TrimSpace(l.rec.Decode())

	if hyp != "" && hyp != l.hyp && l.acc.setPartial(gen, hyp) && l.listening.Load() {
		l.emit.partial(hyp)
	}
	l.hyp = hyp

	if !ep.Observe(f, hyp != "") {
		return
	}
	if hyp != "" && l.acc.addFinal(gen, hyp) {
		l.emit.final(hyp)
	}
	l.rec.Reset()
	l.hyp = ""
}
