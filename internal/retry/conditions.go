package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// transientErrors are low-level failures after which another instance may
// well succeed.
var transientErrors = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	io.EOF,
	io.ErrUnexpectedEOF,
	context.DeadlineExceeded,
}

// IsTransient reports whether err is a transport failure worth another
// attempt on a different instance. Caller cancellation never is. Errors
// with a Transient() bool method classify themselves.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var classified interface{ Transient() bool }
	if errors.As(err, &classified) {
		return classified.Transient()
	}

	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
		netErr net.Error
	)
	return errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		(errors.As(err, &netErr) && netErr.Timeout())
}
