// Package wsproto holds the error taxonomy shared by the handshake engine,
// the proxy channel and the accept loop (spec.md section 7).
package wsproto

import "github.com/pkg/errors"

// Kind classifies a channel-level error so callers can react without
// inspecting error strings.
type Kind int

const (
	// KindHandshake: malformed request, missing/invalid required headers,
	// unsupported version. Reply HTTP 400/426, close.
	KindHandshake Kind = iota
	// KindProtocol: frame decoder Invalid, unmasked client frame, reserved
	// opcode, oversize payload. Close 1002, close.
	KindProtocol
	// KindBackend: backend connect/read/write failure. Close 1011 if the
	// client is still open, close.
	KindBackend
	// KindClientIO: client socket read/write failure. Shut down backend
	// gracefully, close.
	KindClientIO
	// KindCancelled: parent-initiated shutdown. Best-effort flush then close.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindProtocol:
		return "protocol"
	case KindBackend:
		return "backend"
	case KindClientIO:
		return "client_io"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so the proxy channel's close
// logic can pick the right close status and the caller's logger can record
// an outcome without string matching.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Cause implements github.com/pkg/errors' causer interface so package-level
// Cause (below) can walk past the Kind wrapper to the original error.
func (e *Error) Cause() error { return e.cause }

// Wrap attaches a Kind to cause, preserving it as the error chain's cause
// via github.com/pkg/errors so callers can still errors.Cause() down to the
// original I/O error for logging.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(cause)}
}

// New creates a Kind-classified error with no underlying cause, e.g. for a
// protocol violation detected purely by the proxy (no syscall involved).
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// As reports whether err is (or wraps) a *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Cause unwraps err (typically a *Error returned by Wrap) down to the
// original error that caused it, the way the channel's logging does before
// writing a log line (see proxychannel.Channel.failChannel).
func Cause(err error) error {
	return errors.Cause(err)
}
