//go:build linux

package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jfreymuth/pulse"
)

// Pulse records from a PulseAudio (or PipeWire-pulse) server.
type Pulse struct {
	client *pulse.Client
}

func NewPulse() (*Pulse, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("listen"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &Pulse{client: c}, nil
}

func (p *Pulse) OpenInput(deviceID string, sampleRate, framesPerChunk int) (Device, error) {
	d := &pulseDevice{
		chunks: make(chan []float32, 32),
		chunk:  time.Duration(framesPerChunk) * time.Second / time.Duration(sampleRate),
	}

	writer := pulse.Float32Writer(func(buf []float32) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		data := make([]float32, len(buf))
		copy(data, buf)
		select {
		case d.chunks <- data:
		default:
			// full: drop the oldest block so capture stays current
			select {
			case <-d.chunks:
			default:
			}
			select {
			case d.chunks <- data:
			default:
			}
		}
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordLatency(d.chunk.Seconds()),
	}
	if deviceID != "" {
		source, err := p.client.SourceByID(deviceID)
		if err != nil {
			return nil, fmt.Errorf("pulse source %q: %w", deviceID, err)
		}
		opts = append(opts, pulse.RecordSource(source))
	}

	stream, err := p.client.NewRecord(writer, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse record: %w", err)
	}
	stream.Start()
	d.stream = stream

	return d, nil
}

func (p *Pulse) ListDevices() ([]AudioDevice, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}

	var defaultID string
	if def, err := p.client.DefaultSource(); err == nil && def != nil {
		defaultID = def.ID()
	}

	devices := make([]AudioDevice, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, AudioDevice{
			ID:      s.ID(),
			Name:    s.Name(),
			Default: s.ID() == defaultID,
		})
	}
	return devices, nil
}

func (p *Pulse) Close() error {
	p.client.Close()
	return nil
}

type pulseDevice struct {
	stream  *pulse.RecordStream
	chunks  chan []float32
	pending []float32
	chunk   time.Duration
}

var errPulseStalled = errors.New("pulse: no audio received")

// Read assembles exactly one chunk from the pushed blocks.
func (d *pulseDevice) Read(ctx context.Context, buf []float32) error {
	deadline := time.NewTimer(4 * d.chunk)
	defer deadline.Stop()

	for len(d.pending) < len(buf) {
		select {
		case data := <-d.chunks:
			d.pending = append(d.pending, data...)
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errPulseStalled
		}
	}

	n := copy(buf, d.pending)
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return nil
}

func (d *pulseDevice) Close() error {
	d.stream.Stop()
	d.stream.Close()
	return nil
}
