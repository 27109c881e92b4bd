package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/audio"
	"github.com/petems/listen/internal/errs"
)

// CloudSampleRate is the PCM rate sent to streaming providers.
const CloudSampleRate = 16000

type CloudConfig struct {
	Name        string
	SampleRate  int
	Preview     PreviewOptions
	BatchMS     int
	DialTimeout time.Duration
	JoinTimeout time.Duration
}

func DefaultCloudConfig(name string) CloudConfig {
	return CloudConfig{
		Name:        name,
		SampleRate:  CloudSampleRate,
		Preview:     PreviewOptions{Throttle: DefaultThrottle, Width: DefaultPreviewWidth},
		BatchMS:     100,
		DialTimeout: 10 * time.Second,
		JoinTimeout: time.Second,
	}
}

// Cloud streams push-to-talk audio to a remote recognizer. Each Start opens
// the microphone and, unless prewarmed, a new connection; Release closes
// them once the session is stopped.
type Cloud struct {
	cfg  CloudConfig
	dial Dialer
	src  *audio.Source
	log  zerolog.Logger
	emit *emitter
	acc  *accumulator

	listening atomic.Bool

	mu       sync.Mutex
	warm     Transport
	sess     *cloudSession
	shutdown bool
}

func NewCloud(cfg CloudConfig, dial Dialer, src *audio.Source, log zerolog.Logger) *Cloud {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = CloudSampleRate
	}
	if cfg.BatchMS <= 0 {
		cfg.BatchMS = 100
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = time.Second
	}
	return &Cloud{
		cfg:  cfg,
		dial: dial,
		src:  src,
		log:  log.With().Str("engine", cfg.Name).Logger(),
		emit: newEmitter(cfg.Preview),
		acc:  newAccumulator(),
	}
}

func (c *Cloud) Name() string         { return c.cfg.Name }
func (c *Cloud) AlwaysOn() bool       { return false }
func (c *Cloud) Events() <-chan Event { return c.emit.events() }
func (c *Cloud) IsListening() bool    { return c.listening.Load() }

// Prewarm connects ahead of the first Start. The connection is handed to
// the next session.
func (c *Cloud) Prewarm(ctx context.Context) error {
	c.mu.Lock()
	if c.warm != nil || c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	t, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warm != nil || c.shutdown {
		go t.Close()
		return nil
	}
	c.warm = t
	c.log.Info().Msg("Connection prewarmed")
	return nil
}

func (c *Cloud) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown || c.listening.Load() {
		return
	}

	gen := c.acc.reset()
	c.emit.resetThrottle()
	c.listening.Store(true)

	prev := c.sess
	s := newCloudSession(gen)
	c.sess = s

	warm := c.warm
	c.warm = nil

	go c.run(s, warm, prev)
	if prev != nil {
		// restarted before Release ran; retire the old connection
		go c.closeSession(prev)
	}
}

func (c *Cloud) StopQuick() string {
	if !c.listening.CompareAndSwap(true, false) {
		return ""
	}

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s != nil {
		s.stopCapture()
		go func() {
			if t := s.transport(); t != nil {
				if err := t.ForceEndpoint(); err != nil {
					c.log.Debug().Err(err).Msg("Force endpoint failed")
				}
			}
		}()
	}
	return c.acc.Text()
}

// Release closes the connection of a stopped session and joins its
// goroutines. The next Start dials again.
func (c *Cloud) Release() {
	c.mu.Lock()
	s := c.sess
	if c.listening.Load() {
		// restarted already; Start retires the old session itself
		s = nil
	}
	c.mu.Unlock()

	if s != nil {
		c.closeSession(s)
	}
}

// Shutdown closes the connection and joins the session goroutines.
func (c *Cloud) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.listening.Store(false)
	s, warm := c.sess, c.warm
	c.sess, c.warm = nil, nil
	c.mu.Unlock()

	if warm != nil {
		if err := warm.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Close prewarmed connection")
		}
	}
	if s != nil {
		c.closeSession(s)
	}
}

func (c *Cloud) closeSession(s *cloudSession) {
	s.closeOnce.Do(func() {
		s.stopCapture()
		if !waitTimeout(&s.sending, c.cfg.JoinTimeout) {
			c.log.Warn().Msg("Audio sender did not drain in time")
		}
		s.cancel()
		if t := s.transport(); t != nil {
			if err := t.Close(); err != nil {
				c.log.Warn().Err(err).Msg("Close connection")
			}
		}
		if !waitTimeout(&s.receiving, c.cfg.JoinTimeout) {
			c.log.Warn().Msg("Receiver did not exit in time")
		}
	})
}

type cloudSession struct {
	gen uint64

	ctx    context.Context
	cancel context.CancelFunc

	captureCtx  context.Context
	stopCapture context.CancelFunc
	captureDone chan struct{}

	sending   sync.WaitGroup
	receiving sync.WaitGroup
	closeOnce sync.Once

	mu sync.Mutex
	t  Transport
}

func newCloudSession(gen uint64) *cloudSession {
	ctx, cancel := context.WithCancel(context.Background())
	captureCtx, stopCapture := context.WithCancel(ctx)
	s := &cloudSession{
		gen:         gen,
		ctx:         ctx,
		cancel:      cancel,
		captureCtx:  captureCtx,
		stopCapture: stopCapture,
		captureDone: make(chan struct{}),
	}
	s.sending.Add(1)
	s.receiving.Add(1)
	return s
}

func (s *cloudSession) transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

func (s *cloudSession) setTransport(t Transport) {
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
}

// run captures audio immediately and streams it once connected; frames that
// arrive before the connection is up wait in the queue.
func (c *Cloud) run(s *cloudSession, warm Transport, prev *cloudSession) {
	defer s.sending.Done()

	frames := make(chan audio.Frame, 256)
	go c.capture(s, frames, prev)

	t := warm
	if t == nil {
		ctx, cancel := context.WithTimeout(s.ctx, c.cfg.DialTimeout)
		var err error
		t, err = c.dial(ctx)
		cancel()
		if err != nil {
			s.stopCapture()
			s.receiving.Done()
			c.fail(s, err)
			for range frames {
			}
			return
		}
	}
	s.setTransport(t)

	if s.ctx.Err() != nil {
		// shut down while dialing
		s.receiving.Done()
		t.Close()
		for range frames {
		}
		return
	}

	go c.receive(s, t)

	c.send(s, t, frames)
}

func (c *Cloud) capture(s *cloudSession, frames chan<- audio.Frame, prev *cloudSession) {
	defer close(s.captureDone)
	defer close(frames)

	if prev != nil {
		select {
		case <-prev.captureDone:
		case <-s.captureCtx.Done():
			return
		}
	}

	err := c.src.Do(s.captureCtx, func(ctx context.Context, st *audio.Stream) error {
		for {
			f, err := st.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case frames <- f:
			default:
				c.log.Warn().Msg("Send queue full, dropping audio")
			}
		}
	})
	if err != nil && s.captureCtx.Err() == nil {
		c.fail(s, err)
	}
}

func (c *Cloud) send(s *cloudSession, t Transport, frames <-chan audio.Frame) {
	batch := make([]byte, 0, c.cfg.SampleRate*2*c.cfg.BatchMS/1000*2)
	minBytes := c.cfg.SampleRate * 2 * c.cfg.BatchMS / 1000
	failed := false

	flush := func() {
		if len(batch) == 0 || failed {
			return
		}
		if err := t.SendAudio(batch); err != nil {
			failed = true
			c.fail(s, err)
		}
		batch = batch[:0]
	}

	for f := range frames {
		pcm := audio.ToPCM16(audio.Resample(f.Samples, f.SampleRate, c.cfg.SampleRate))
		batch = append(batch, pcm...)
		if len(batch) >= minBytes {
			flush()
		}
	}
	flush()
}

func (c *Cloud) receive(s *cloudSession, t Transport) {
	defer s.receiving.Done()

	for {
		msg, err := t.Recv()
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) && s.ctx.Err() == nil {
				c.fail(s, err)
			}
			return
		}

		live := c.listening.Load() && c.acc.gen() == s.gen
		if msg.Final {
			if c.acc.addFinal(s.gen, msg.Text) && live {
				c.emit.partial(msg.Text)
				c.emit.final(msg.Text)
			}
			continue
		}
		if c.acc.setPartial(s.gen, msg.Text) && live {
			c.emit.partial(msg.Text)
		}
	}
}

// fail reports an error while the session is still listening and treats the
// engine as stopped. Failures after StopQuick are only logged.
func (c *Cloud) fail(s *cloudSession, err error) {
	if errs.KindOf(err) == errs.Other {
		err = errs.E(errs.Transport, c.cfg.Name, err)
	}
	c.log.Error().Err(err).Msg("Session failed")
	if c.acc.gen() != s.gen {
		return
	}
	if c.listening.CompareAndSwap(true, false) {
		c.emit.fail(err)
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
