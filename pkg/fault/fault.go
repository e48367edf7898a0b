// Package fault defines the error taxonomy shared by every subsystem.
// Errors carry a Kind so callers can branch on failure class without
// string matching, and wrap an underlying cause for %w chains.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set is closed: new kinds are added here,
// never invented at call sites.
type Kind string

const (
	Validation         Kind = "validation"
	Auth               Kind = "auth"
	RateLimited        Kind = "rate_limited"
	CircuitOpen        Kind = "circuit_open"
	BackendUnavailable Kind = "backend_unavailable"
	BudgetExceeded     Kind = "budget_exceeded"
	Timeout            Kind = "timeout"
	Internal           Kind = "internal"
)

// Retryable reports whether a failure of this kind is transient, i.e.
// whether retrying the same operation later can reasonably succeed.
func (k Kind) Retryable() bool {
	switch k {
	case RateLimited, CircuitOpen, BackendUnavailable, Timeout:
		return true
	}
	return false
}

// HTTPStatus maps the kind to the status code used by HTTP surfaces
// (the webhook handler is the only one in the core library).
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case CircuitOpen, BackendUnavailable:
		return http.StatusServiceUnavailable
	case BudgetExceeded:
		return http.StatusPaymentRequired
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type carrying a Kind. Use New/Newf/Wrap to
// construct; use KindOf/Is to inspect.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil so the
// call can sit on a return path unconditionally.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from anywhere in err's chain. Context
// cancellation and deadline errors report Timeout; anything else
// unclassified reports Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

// Is reports whether err's chain contains a fault of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
