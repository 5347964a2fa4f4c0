package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class buckets call failures by how the caller should react.
type Class int

const (
	// ClassTransient covers timeouts, connection resets and 5xx responses.
	// The retry wrapper may retry these.
	ClassTransient Class = iota
	// ClassPermanent covers malformed requests and upstream auth failures.
	// Never retried.
	ClassPermanent
	// ClassRateLimited means the upstream rejected the call with a 429.
	// Retried after backoff.
	ClassRateLimited
	// ClassCircuitOpen means the call was rejected locally without a
	// network attempt. Terminal for the attempt sequence.
	ClassCircuitOpen
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrEmptyPrompt  = errors.New("empty prompt")
)

// Error wraps a failed model call with its origin and class.
type Error struct {
	Model string
	Op    string // "complete" or "stream"
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Model, e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified gateway error.
func NewError(model, op string, class Class, err error) *Error {
	return &Error{Model: model, Op: op, Class: class, Err: err}
}

// ClassOf extracts the failure class from an error chain. Errors that did
// not originate in a gateway call default to transient, except context
// cancellation which is permanent for retry purposes.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsRetryable reports whether the retry wrapper should attempt the call
// again. Cancellation is never retryable; a deadline may be, because a
// per-attempt timeout is transient while the request-scope deadline is
// checked separately by the retry loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch ClassOf(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// classifyHTTP maps an upstream HTTP status to a failure class.
func classifyHTTP(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// classifyTransport maps a transport-level error to a failure class.
func classifyTransport(err error) Class {
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	// Connection refused/reset and friends are worth retrying.
	return ClassTransient
}
