// Package limiterrors implements the closed error taxonomy the rate
// limiter uses to distinguish validation failures (never retried, never
// counted against the circuit breaker) from transport failures (retried,
// counted) from a synthetic breaker-open failure, replacing dynamic type
// tests with a closed sum type of error kinds.
package limiterrors

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories.
type Kind int

const (
	KindValidation Kind = iota
	KindTransport
	KindBreakerOpen
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindBreakerOpen:
		return "breaker-open"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

// Validation error codes, stable across releases (spec §7).
const (
	CodeMissingType           = 101
	CodeUnknownType           = 102
	CodeMissingKey            = 103
	CodeInvalidConfigOverride = 104
	CodeInvalidCount          = 105
	CodeInvalidKeyFormat      = 106
)

// Error is the opaque-to-the-wire, kind-distinguishable error type every
// operation returns.
type Error struct {
	Kind Kind
	Code int // only meaningful when Kind == KindValidation
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindValidation {
		return fmt.Sprintf("validation error %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidation builds a validation error with a stable numeric code.
// Validation errors are never retried and never counted against the
// circuit breaker.
func NewValidation(code int, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Err: fmt.Errorf(format, args...)}
}

// NewTransport builds a retriable, breaker-counted transport error.
func NewTransport(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

// NewBreakerOpen builds the synthetic error returned when the circuit
// breaker is open. It is not retried and not counted.
func NewBreakerOpen() *Error {
	return &Error{Kind: KindBreakerOpen, Err: fmt.Errorf("circuit breaker is open")}
}

// NewStore builds an error for a store-returned failure. Treated as
// transport for retry purposes, per spec §7.
func NewStore(err error) *Error {
	return &Error{Kind: KindStore, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsBreakerOpen reports whether err is the synthetic breaker-open error.
func IsBreakerOpen(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindBreakerOpen
}

// IsRetriable reports whether err should be retried by the resilience
// wrapper: any error that is not a validation error and not a
// breaker-open error.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	k, ok := kindOf(err)
	if !ok {
		return true // unknown errors are treated as transport-like
	}
	return k != KindValidation && k != KindBreakerOpen
}
