package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FakeDriver hands out devices that replay frames pushed with Feed. A device
// read blocks until the next Feed, so a returning Feed means every earlier
// frame has been handed to the reader.
type FakeDriver struct {
	frames chan []float32

	mu      sync.Mutex
	openErr error
	readErr error
	opens   int
	closes  int
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{frames: make(chan []float32)}
}

// Feed delivers one chunk to whichever device is reading.
func (d *FakeDriver) Feed(ctx context.Context, samples []float32) error {
	select {
	case d.frames <- samples:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FeedConstant feeds n chunks of the given size filled with value.
func (d *FakeDriver) FeedConstant(ctx context.Context, value float32, size, n int) error {
	for i := 0; i < n; i++ {
		chunk := make([]float32, size)
		for j := range chunk {
			chunk[j] = value
		}
		if err := d.Feed(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (d *FakeDriver) OpenInput(deviceID string, sampleRate, framesPerChunk int) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens++
	return &fakeDevice{driver: d, done: make(chan struct{})}, nil
}

func (d *FakeDriver) ListDevices() ([]AudioDevice, error) {
	return []AudioDevice{{ID: "fake", Name: "Fake Microphone", Default: true}}, nil
}

func (d *FakeDriver) Close() error { return nil }

// Opens returns how many devices were opened.
func (d *FakeDriver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns how many devices were closed.
func (d *FakeDriver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// SetOpenErr makes subsequent opens fail with err.
func (d *FakeDriver) SetOpenErr(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// SetReadErr makes reads on open devices fail with err.
func (d *FakeDriver) SetReadErr(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

func (d *FakeDriver) currentReadErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readErr
}

type fakeDevice struct {
	driver *FakeDriver
	once   sync.Once
	done   chan struct{}
}

var errFakeClosed = errors.New("fake device closed")

func (f *fakeDevice) Read(ctx context.Context, buf []float32) error {
	if err := f.driver.currentReadErr(); err != nil {
		// pace failures like a real device would
		time.Sleep(time.Millisecond)
		return err
	}

	select {
	case samples := <-f.driver.frames:
		n := copy(buf, samples)
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return errFakeClosed
	}
}

func (f *fakeDevice) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.driver.mu.Lock()
		f.driver.closes++
		f.driver.mu.Unlock()
	})
	return nil
}
