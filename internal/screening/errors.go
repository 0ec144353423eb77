package screening

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes screening failures. The string value doubles as the error
// code written to the output file.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindTransport       Kind = "transport"
	KindScreeningFailed Kind = "screening_failed"
	KindTimeout         Kind = "timeout"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation      = errors.New("validation error")
	ErrAuth            = errors.New("authentication rejected")
	ErrTransport       = errors.New("transport error")
	ErrScreeningFailed = errors.New("screening failed")
	ErrTimeout         = errors.New("screening timed out")
)

// Error is the structured error returned by the Client.
type Error struct {
	// Op is the client operation, e.g. "register" or "poll".
	Op   string
	Kind Kind
	// Status is the HTTP status code when one was received.
	Status int
	// Detail carries the remote error message or response body excerpt.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) and friends match on Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrScreeningFailed:
		return e.Kind == KindScreeningFailed
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// KindOf maps any error to a Kind. Unknown errors are treated as transport
// failures; an expired context counts as a timeout.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrScreeningFailed):
		return KindScreeningFailed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindTransport
}

// IsFatal reports errors that would fail every row identically.
func IsFatal(err error) bool { return KindOf(err) == KindAuth }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
