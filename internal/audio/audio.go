package audio

import (
	"context"
	"time"
)

// Frame is a fixed-duration slice of mono samples. Whoever receives a Frame
// owns its Samples.
type Frame struct {
	Samples    []float32
	SampleRate int
	At         time.Time
}

// Duration returns the audio length covered by the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Device is an open input stream. Read fills buf with exactly len(buf) mono
// samples and blocks for at most about one chunk.
type Device interface {
	Read(ctx context.Context, buf []float32) error
	Close() error
}

// Driver opens input devices for a particular audio backend
type Driver interface {
	OpenInput(deviceID string, sampleRate, framesPerChunk int) (Device, error)
	ListDevices() ([]AudioDevice, error)
	Close() error
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}
