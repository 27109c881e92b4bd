package errs

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide how to surface them.
type Kind int

const (
	Other Kind = iota
	EngineUnavailable
	Device
	Transport
	Protocol
)

func (k Kind) String() string {
	switch k {
	case EngineUnavailable:
		return "EngineUnavailable"
	case Device:
		return "DeviceError"
	case Transport:
		return "TransportError"
	case Protocol:
		return "ProtocolError"
	default:
		return "Error"
	}
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrEngineUnavailable = &Error{Kind: EngineUnavailable}
	ErrDevice            = &Error{Kind: Device}
	ErrTransport         = &Error{Kind: Transport}
	ErrProtocol          = &Error{Kind: Protocol}
)

// Error is a kinded error carrying the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds a kinded error. A nil err still yields a usable value.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so any Device error matches ErrDevice.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost kinded error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}
