//go:build !linux

package audio

import "errors"

var errNoPulse = errors.New("pulse backend is only available on linux")

// Pulse is unavailable off linux; NewPulse always fails.
type Pulse struct{}

func NewPulse() (*Pulse, error) { return nil, errNoPulse }

func (p *Pulse) OpenInput(string, int, int) (Device, error) { return nil, errNoPulse }
func (p *Pulse) ListDevices() ([]AudioDevice, error)        { return nil, errNoPulse }
func (p *Pulse) Close() error                               { return nil }
