package protocol

import (
	"errors"
	"fmt"
)

// Kind represents the category of a connection-fatal error.
type Kind int

const (
	// KindFraming covers bad delimiters, oversized fields and wrong header counts.
	KindFraming Kind = iota
	// KindProtocol covers bad versions, device id mismatches and failed authentication.
	KindProtocol
	// KindSecurity covers replayed timestamps, clock drift and suspected floods.
	KindSecurity
	// KindTransport covers peer resets and socket errors.
	KindTransport
	// KindIdle is raised when a connection stays silent past the idle timeout.
	KindIdle
)

// String returns a human-readable name for the error kind
func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing error"
	case KindProtocol:
		return "protocol error"
	case KindSecurity:
		return "security error"
	case KindTransport:
		return "transport error"
	case KindIdle:
		return "idle timeout"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Sentinel causes. Match them with errors.Is.
var (
	ErrPeerClosed      = errors.New("peer closed the connection")
	ErrHalfOpen        = errors.New("half-open connection")
	ErrReplay          = errors.New("timestamp already seen")
	ErrDrift           = errors.New("timestamp outside allowed drift")
	ErrFlood           = errors.New("replay window full, suspected flood")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrDuplicateDevice = errors.New("device already connected")
	ErrDeviceMismatch  = errors.New("device id does not match bound device")
	ErrAuthFailed      = errors.New("device authentication failed")
	ErrServerShutdown  = errors.New("server shutting down")
)

// Error is a connection-fatal condition. Every Error closes exactly the
// connection it was raised on.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func framingError(format string, args ...interface{}) *Error {
	return NewError(KindFraming, nil, format, args...)
}

// KindOf reports the kind of err. Errors that are not *Error are treated as
// transport errors, since they originate from the socket layer.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransport
}
