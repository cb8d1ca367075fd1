package proxy

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for proxy operations.
var (
	// ErrInvalidTarget indicates that the target address cannot be parsed.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream could not be
	// reached or dropped the connection.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Error represents a failed forwarding attempt.
type Error struct {
	Op      string // Operation that failed
	Service string // Service name
	Target  string // Instance address
	Kind    error  // One of the sentinel errors
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s] service=%s target=%s: %v: %v",
			e.Op, e.Service, e.Target, e.Kind, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s] service=%s target=%s: %v",
		e.Op, e.Service, e.Target, e.Kind)
}

// Unwrap returns the classification and the underlying error.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Is checks if the error matches the target.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok
}

// Transient reports whether another instance may succeed. A target that
// cannot be addressed fails the same way everywhere.
func (e *Error) Transient() bool {
	return !errors.Is(e.Kind, ErrInvalidTarget)
}

// newError classifies cause as a timeout or an unavailable upstream.
func newError(op, service, target string, cause error) *Error {
	kind := ErrUpstreamUnavailable
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = ErrUpstreamTimeout
	}
	return &Error{
		Op:      op,
		Service: service,
		Target:  target,
		Kind:    kind,
		Cause:   cause,
	}
}

// IsProxyError checks if an error is a proxy Error.
func IsProxyError(err error) bool {
	var proxyErr *Error
	return errors.As(err, &proxyErr)
}

// IsTimeout reports whether err is an upstream timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout)
}
