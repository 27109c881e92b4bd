package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudio opens blocking input streams through the PortAudio library.
type PortAudio struct {
	channels int
}

// NewPortAudio initializes PortAudio. channels is the number of input
// channels requested from the device; anything above one is downmixed.
func NewPortAudio(channels int) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	if channels < 1 {
		channels = 1
	}
	return &PortAudio{channels: channels}, nil
}

func (p *PortAudio) OpenInput(deviceID string, sampleRate, framesPerChunk int) (Device, error) {
	device, err := p.findDevice(deviceID)
	if err != nil {
		return nil, err
	}

	channels := p.channels
	if device.MaxInputChannels > 0 && channels > device.MaxInputChannels {
		channels = device.MaxInputChannels
	}

	raw := make([]float32, framesPerChunk*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerChunk,
	}, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	return &portAudioDevice{
		stream:   stream,
		raw:      raw,
		channels: channels,
		frames:   framesPerChunk,
	}, nil
}

func (p *PortAudio) findDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", deviceID)
}

func (p *PortAudio) ListDevices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}

func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

type portAudioDevice struct {
	stream   *portaudio.Stream
	raw      []float32
	channels int
	frames   int
}

// Read blocks until PortAudio has a full buffer, which bounds it to one chunk.
func (d *portAudioDevice) Read(_ context.Context, buf []float32) error {
	if err := d.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return err
	}
	if d.channels == 1 {
		copy(buf, d.raw)
		return nil
	}
	copy(buf, downmixInterleaved(d.raw, d.channels, d.frames))
	return nil
}

func (d *portAudioDevice) Close() error {
	stopErr := d.stream.Stop()
	if err := d.stream.Close(); err != nil {
		return err
	}
	return stopErr
}
