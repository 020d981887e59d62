package transport

import (
	"errors"

	"github.com/vango-dev/realtime/pkg/protocol"
)

// Kind classifies transport failures.
type Kind int

const (
	// KindNetwork is a stream failure: dial error, read/write error, or a
	// DISCONNECTED frame during the handshake.
	KindNetwork Kind = iota
	// KindProtocol is an ERROR frame or an unusable handshake response.
	KindProtocol
	// KindLocalClose is a close requested by this side.
	KindLocalClose
	// KindTimeout is a handshake or liveness timeout.
	KindTimeout
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindLocalClose:
		return "local_close"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Send after the transport has ended.
var ErrNotConnected = errors.New("transport: not connected")

// Error is a transport failure.
type Error struct {
	Kind Kind
	// Info is the service error, when the service supplied one.
	Info *protocol.ErrorInfo
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := "transport: " + e.Kind.String()
	if e.Info != nil {
		s += ": " + e.Info.Error()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the underlying error and the service error.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Info != nil {
		errs = append(errs, e.Info)
	}
	return errs
}

// Retryable reports whether reconnecting may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// KindOf returns the Kind of err if it is an *Error.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
