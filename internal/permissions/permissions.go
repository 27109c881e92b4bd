// Package permissions checks that the process may record from the microphone.
package permissions

import (
	"fmt"

	"github.com/petems/listen/internal/errs"
)

// Status mirrors the platform authorization states.
type Status int

const (
	NotDetermined Status = iota
	Restricted
	Denied
	Authorized
)

func (s Status) String() string {
	switch s {
	case NotDetermined:
		return "not determined"
	case Restricted:
		return "restricted"
	case Denied:
		return "denied"
	case Authorized:
		return "authorized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EnsureMicrophone returns a device error unless recording is authorized.
// An undetermined status triggers the system prompt; the daemon still
// fails this run.
func EnsureMicrophone() error {
	status := checkMicrophone()
	if status == NotDetermined {
		requestMicrophone()
	}
	return evaluate(status)
}

func evaluate(status Status) error {
	if status == Authorized {
		return nil
	}
	return errs.Errorf(errs.Device, "microphone permission", "%s (grant access under System Settings, Privacy & Security, Microphone)", status)
}
