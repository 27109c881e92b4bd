package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/audio"
	"github.com/petems/listen/internal/engine"
	"github.com/petems/listen/internal/errs"
)

// Mock implementations for testing
type mockEngine struct {
	alwaysOn bool
	events   chan engine.Event

	mu        sync.Mutex
	text      string
	listening bool
	starts    int
	stops     int
	releases  int
	shutdowns int
	hold      chan struct{} // blocks Release until closed, if set
}

func newMockEngine(alwaysOn bool) *mockEngine {
	return &mockEngine{alwaysOn: alwaysOn, events: make(chan engine.Event, 8)}
}

func (m *mockEngine) Name() string                { return "mock" }
func (m *mockEngine) AlwaysOn() bool              { return m.alwaysOn }
func (m *mockEngine) Events() <-chan engine.Event { return m.events }

func (m *mockEngine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	m.listening = true
}

func (m *mockEngine) StopQuick() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.listening = false
	text := m.text
	m.text = ""
	return text
}

func (m *mockEngine) Release() {
	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()
	if hold != nil {
		<-hold
	}
	m.mu.Lock()
	m.releases++
	m.mu.Unlock()
}

func (m *mockEngine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
}

func (m *mockEngine) IsListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

func (m *mockEngine) say(text string) {
	m.mu.Lock()
	m.text = text
	m.mu.Unlock()
}

func (m *mockEngine) counts() (starts, stops, shutdowns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops, m.shutdowns
}

func (m *mockEngine) released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

type mockSupplier struct {
	mu      sync.Mutex
	make    func() *mockEngine
	err     error
	engines []*mockEngine
}

func (s *mockSupplier) Next() (engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	e := s.make()
	s.engines = append(s.engines, e)
	return e, nil
}

func (s *mockSupplier) handed() []*mockEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mockEngine(nil), s.engines...)
}

type delivery struct {
	target string
	text   string
}

type mockInjector struct {
	mu        sync.Mutex
	delivered []delivery
	err       error
	entered   chan struct{}
	block     chan struct{}
}

func (m *mockInjector) Deliver(ctx context.Context, target, text string) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, delivery{target: target, text: text})
	return m.err
}

func (m *mockInjector) deliveries() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery(nil), m.delivered...)
}

type mockStatus struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockStatus) add(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockStatus) SetRecording(session string)           { m.add("recording:%s", session) }
func (m *mockStatus) SetProcessing(session string)          { m.add("processing:%s", session) }
func (m *mockStatus) SetIdle(session string, noSpeech bool) { m.add("idle:%s:%v", session, noSpeech) }
func (m *mockStatus) SetPreview(session, text string)       { m.add("preview:%s:%s", session, text) }
func (m *mockStatus) SetError(text string)                  { m.add("error:%s", text) }

func (m *mockStatus) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockStatus) has(prefix string) bool {
	for _, c := range m.list() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (m *mockStatus) session() string {
	for _, c := range m.list() {
		if strings.HasPrefix(c, "recording:") {
			return strings.TrimPrefix(c, "recording:")
		}
	}
	return ""
}

type fixture struct {
	app    *App
	sup    *mockSupplier
	inj    *mockInjector
	status *mockStatus
}

func newFixture(t *testing.T, alwaysOn bool) *fixture {
	t.Helper()
	f := &fixture{
		sup:    &mockSupplier{make: func() *mockEngine { return newMockEngine(alwaysOn) }},
		inj:    &mockInjector{},
		status: &mockStatus{},
	}
	f.app = New(Config{
		Engines:  f.sup,
		Injector: f.inj,
		Status:   f.status,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.app.Shutdown(ctx)
	})
	return f
}

func (f *fixture) engine(t *testing.T) *mockEngine {
	t.Helper()
	engines := f.sup.handed()
	if len(engines) == 0 {
		t.Fatal("no engine was handed out")
	}
	return engines[len(engines)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ { // Poll for 1 second
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestToggleAlternatesStates(t *testing.T) {
	f := newFixture(t, true)

	if f.app.State() != Idle {
		t.Fatal("App should be idle initially")
	}

	for i := 0; i < 3; i++ {
		if out := f.app.Toggle("%1"); out.Action != Started {
			t.Fatalf("toggle %d: expected Started, got %v", i, out.Action)
		}
		if f.app.State() != Recording {
			t.Fatal("App should be recording after start")
		}
		if out := f.app.Toggle("%1"); out.Action != StoppedEmpty {
			t.Fatalf("toggle %d: expected StoppedEmpty, got %v", i, out.Action)
		}
		if f.app.State() != Idle {
			t.Fatal("App should be idle after stop")
		}
	}
}

func TestStopWithoutSpeech(t *testing.T) {
	f := newFixture(t, true)

	f.app.Toggle("%1")
	out := f.app.Toggle("%1")

	if out.Action != StoppedEmpty || out.Text != "" || out.Err != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(f.inj.deliveries()) != 0 {
		t.Fatal("empty transcript must not be pasted")
	}
	if !f.status.has("idle:" + f.status.session() + ":true") {
		t.Fatalf("expected no-speech idle, got %q", f.status.list())
	}
}

func TestStopWithTextPastesOnce(t *testing.T) {
	f := newFixture(t, true)

	f.app.Toggle("%3")
	f.engine(t).say("hello world")
	out := f.app.Toggle("%3")

	if out.Action != StoppedWithText || out.Text != "hello world" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	got := f.inj.deliveries()
	if len(got) != 1 || got[0] != (delivery{target: "%3", text: "hello world"}) {
		t.Fatalf("expected one paste of %q, got %+v", "hello world", got)
	}

	session := f.status.session()
	want := []string{"recording:" + session, "processing:" + session, "idle:" + session + ":false"}
	if strings.Join(f.status.list(), "|") != strings.Join(want, "|") {
		t.Fatalf("status calls = %q, want %q", f.status.list(), want)
	}
}

func TestToggleRejectedWhileInFlight(t *testing.T) {
	f := newFixture(t, true)
	f.inj.entered = make(chan struct{}, 1)
	f.inj.block = make(chan struct{})

	f.app.Toggle("%1")
	f.engine(t).say("hello world")

	result := make(chan Outcome, 1)
	go func() { result <- f.app.Toggle("%1") }()

	<-f.inj.entered
	if out := f.app.Toggle("%1"); out.Action != Rejected {
		t.Fatalf("expected Rejected during stop, got %v", out.Action)
	}

	close(f.inj.block)
	if out := <-result; out.Action != StoppedWithText || out.Text != "hello world" {
		t.Fatalf("first toggle should complete normally, got %+v", out)
	}
	if f.app.State() != Idle {
		t.Fatal("rejected toggle must not change state")
	}
	if len(f.inj.deliveries()) != 1 {
		t.Fatal("expected exactly one paste")
	}
}

func TestAlwaysOnEngineIsReused(t *testing.T) {
	f := newFixture(t, true)

	for i := 0; i < 2; i++ {
		f.app.Toggle("%1")
		f.app.Toggle("%1")
	}

	engines := f.sup.handed()
	if len(engines) != 1 {
		t.Fatalf("expected one engine instance, got %d", len(engines))
	}
	starts, stops, shutdowns := engines[0].counts()
	if starts != 2 || stops != 2 || shutdowns != 0 {
		t.Fatalf("starts=%d stops=%d shutdowns=%d", starts, stops, shutdowns)
	}
}

func TestPushToTalkKeepsEngineAcrossRecordings(t *testing.T) {
	f := newFixture(t, false)
	hold := make(chan struct{})
	f.sup.make = func() *mockEngine {
		e := newMockEngine(false)
		e.hold = hold
		return e
	}

	for i, word := range []string{"one", "two", "three"} {
		if out := f.app.Toggle("%1"); out.Action != Started {
			t.Fatalf("recording %d: expected Started, got %v", i, out.Action)
		}
		f.engine(t).say(word)

		start := time.Now()
		if out := f.app.Toggle("%1"); out.Action != StoppedWithText || out.Text != word {
			t.Fatalf("recording %d: unexpected outcome: %+v", i, out)
		}
		if d := time.Since(start); d > 200*time.Millisecond {
			t.Fatalf("recording %d: stop took %v while release was blocked", i, d)
		}
	}

	engines := f.sup.handed()
	if len(engines) != 1 {
		t.Fatalf("expected one engine for three recordings, got %d", len(engines))
	}
	eng := engines[0]
	if starts, stops, shutdowns := eng.counts(); starts != 3 || stops != 3 || shutdowns != 0 {
		t.Fatalf("starts=%d stops=%d shutdowns=%d", starts, stops, shutdowns)
	}

	close(hold)
	waitFor(t, "background release", func() bool { return eng.released() == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, _, shutdowns := eng.counts(); shutdowns != 1 {
		t.Fatalf("expected one shutdown at exit, got %d", shutdowns)
	}
}

func TestShutdownWaitsForRelease(t *testing.T) {
	f := newFixture(t, false)
	hold := make(chan struct{})
	f.sup.make = func() *mockEngine {
		e := newMockEngine(false)
		e.hold = hold
		return e
	}

	f.app.Toggle("%1")
	f.app.Toggle("%1")
	eng := f.engine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Shutdown to time out behind a blocked release, got %v", err)
	}
	if _, _, shutdowns := eng.counts(); shutdowns != 0 {
		t.Fatal("engine must not shut down while a release is running")
	}

	close(hold)
	waitFor(t, "shutdown after release", func() bool {
		_, _, shutdowns := eng.counts()
		return shutdowns == 1
	})
}

func TestEngineUnavailableIsRejected(t *testing.T) {
	f := newFixture(t, true)
	f.sup.err = errors.New("no model files")

	out := f.app.Toggle("%1")
	if out.Action != Rejected || out.Kind != errs.EngineUnavailable {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !errors.Is(out.Err, errs.ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable error, got %v", out.Err)
	}
	if f.app.State() != Idle {
		t.Fatal("failed start must leave the app idle")
	}
	if !f.status.has("error:") {
		t.Fatal("expected the failure on the HUD")
	}
}

func TestSessionErrorDiscardsText(t *testing.T) {
	f := newFixture(t, true)

	f.app.Toggle("%1")
	eng := f.engine(t)
	eng.say("garbled")
	devErr := errs.E(errs.Device, "read microphone", errors.New("unplugged"))
	eng.events <- engine.Event{Kind: engine.EventError, Text: devErr.Error(), Err: devErr}
	waitFor(t, "error on HUD", func() bool { return f.status.has("error:") })

	out := f.app.Toggle("%1")
	if out.Action != StoppedEmpty || out.Kind != errs.Device {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(f.inj.deliveries()) != 0 {
		t.Fatal("text must not be pasted after an engine error")
	}
}

func TestErrorQueuedAtStopIsKept(t *testing.T) {
	f := newFixture(t, true)
	netErr := errs.E(errs.Transport, "fake", errors.New("connection reset"))

	for i := 0; i < 20; i++ {
		f.app.Toggle("%1")
		eng := f.engine(t)
		eng.say("partial words")
		eng.events <- engine.Event{Kind: engine.EventError, Text: netErr.Error(), Err: netErr}

		out := f.app.Toggle("%1")
		if out.Action != StoppedEmpty || out.Kind != errs.Transport {
			t.Fatalf("round %d: unexpected outcome: %+v", i, out)
		}
	}
	if len(f.inj.deliveries()) != 0 {
		t.Fatal("text must not be pasted after an engine error")
	}

	// the failure belongs to its own session only
	f.app.Toggle("%1")
	f.engine(t).say("clean")
	if out := f.app.Toggle("%1"); out.Action != StoppedWithText || out.Err != nil {
		t.Fatalf("unexpected outcome after recovery: %+v", out)
	}
}

func TestPreviewsCarrySession(t *testing.T) {
	f := newFixture(t, true)

	f.app.Toggle("%1")
	session := f.status.session()
	f.engine(t).events <- engine.Event{Kind: engine.EventPartial, Text: "hel"}

	waitFor(t, "preview", func() bool { return f.status.has("preview:" + session + ":hel") })
}

func TestPasteFailureIsReported(t *testing.T) {
	f := newFixture(t, true)
	f.inj.err = errors.New("no clipboard utility")

	f.app.Toggle("%1")
	f.engine(t).say("hello")
	out := f.app.Toggle("%1")

	if out.Action != StoppedWithText || out.Err == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !f.status.has("error:paste failed") {
		t.Fatalf("expected paste failure on the HUD, got %q", f.status.list())
	}
}

func TestShutdownStopsRecording(t *testing.T) {
	f := newFixture(t, true)

	f.app.Toggle("%1")
	eng := f.engine(t)
	eng.say("never pasted")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, stops, shutdowns := eng.counts(); stops != 1 || shutdowns != 1 {
		t.Fatalf("stops=%d shutdowns=%d", stops, shutdowns)
	}
	if len(f.inj.deliveries()) != 0 {
		t.Fatal("shutdown must not paste")
	}
	if out := f.app.Toggle("%1"); out.Action != Rejected {
		t.Fatalf("toggle after shutdown should be rejected, got %v", out.Action)
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// voiceRecognizer hears "hello" once any voiced sample arrives.
type voiceRecognizer struct {
	mu     sync.Mutex
	voiced bool
	closed bool
}

func (r *voiceRecognizer) AcceptWaveform(_ int, samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range samples {
		if v > 0.1 {
			r.voiced = true
			return
		}
	}
}

func (r *voiceRecognizer) Decode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.voiced {
		return "hello"
	}
	return ""
}

func (r *voiceRecognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voiced = false
}

func (r *voiceRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type countingSupplier struct {
	build func() engine.Engine
	calls atomic.Int32
}

func (s *countingSupplier) Next() (engine.Engine, error) {
	s.calls.Add(1)
	return s.build(), nil
}

func TestPushToTalkBackToBackOverMicrophone(t *testing.T) {
	drv := audio.NewFakeDriver()
	src := audio.NewSource(drv, audio.SourceConfig{SampleRate: 16000, ChunkMS: 100})
	chunk := src.ChunkSamples()

	cfg := engine.DefaultLocalConfig()
	cfg.AlwaysOn = false
	cfg.Preview.Throttle = 0
	rec := &voiceRecognizer{}
	sup := &countingSupplier{build: func() engine.Engine {
		return engine.NewLocal(cfg, rec, src, zerolog.Nop())
	}}

	status := &mockStatus{}
	inj := &mockInjector{}
	a := New(Config{Engines: sup, Injector: inj, Status: status, Logger: zerolog.Nop()})

	feed, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if out := a.Toggle("%1"); out.Action != Started {
			t.Fatalf("recording %d: expected Started, got %+v", i, out)
		}
		if err := drv.FeedConstant(feed, 0.5, chunk, 2); err != nil {
			t.Fatalf("recording %d: %v", i, err)
		}
		if err := drv.FeedConstant(feed, 0, chunk, 1); err != nil {
			t.Fatalf("recording %d: %v", i, err)
		}

		out := a.Toggle("%1")
		if out.Action != StoppedWithText || out.Text != "hello" || out.Err != nil {
			t.Fatalf("recording %d: unexpected outcome: %+v", i, out)
		}
	}

	if status.has("error:") {
		t.Fatalf("unexpected error on the HUD: %q", status.list())
	}
	if n := sup.calls.Load(); n != 1 {
		t.Fatalf("expected the engine to be built once, got %d", n)
	}
	if got := len(inj.deliveries()); got != 3 {
		t.Fatalf("expected three pastes, got %d", got)
	}

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if drv.Opens() != 3 || drv.Closes() != 3 {
		t.Fatalf("expected 3 opens and 3 closes, got %d/%d", drv.Opens(), drv.Closes())
	}
	rec.mu.Lock()
	closed := rec.closed
	rec.mu.Unlock()
	if !closed {
		t.Fatal("recognizer should be freed at shutdown")
	}
}
