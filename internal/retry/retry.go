package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/registry"
)

// Backoff bounds.
const (
	DefaultBackoff    = 50 * time.Millisecond
	DefaultMaxBackoff = 2 * time.Second
	DefaultJitter     = 0.25
)

// Policy is the forwarding retry policy of one service.
type Policy struct {
	// Retries is the number of re-attempts after the first try.
	Retries int

	// Backoff is the wait before the first re-attempt; it doubles for
	// every further one up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Jitter adds up to Jitter*wait of random extra wait, in [0, 1].
	Jitter float64
}

// ForService derives the policy of a registered service.
func ForService(def registry.ServiceDefinition) Policy {
	return Policy{
		Retries:    def.Retries,
		Backoff:    def.RetryBackoff,
		MaxBackoff: DefaultMaxBackoff,
		Jitter:     DefaultJitter,
	}
}

// normalized replaces out-of-range fields with usable values.
func (p Policy) normalized() Policy {
	p.Retries = max(p.Retries, 0)
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// Wait returns how long to sleep before re-attempt n (starting at 1).
func (p Policy) Wait(n int) time.Duration {
	p = p.normalized()

	wait := p.Backoff
	for i := 1; i < n && wait < p.MaxBackoff; i++ {
		wait *= 2
	}
	if p.Jitter > 0 {
		//nolint:gosec // G404: jitter for retry timing is not security-sensitive
		wait += time.Duration(float64(wait) * p.Jitter * rand.Float64())
	}
	return min(wait, p.MaxBackoff)
}

// Hooks customise Do. Both are optional.
type Hooks struct {
	// Retryable decides whether a failed attempt may be repeated. Nil
	// repeats every failure.
	Retryable func(error) bool

	// BeforeRetry runs before the wait preceding re-attempt n.
	BeforeRetry func(n int, err error, wait time.Duration)
}

// Do calls attempt (n starting at 0) until it succeeds, fails with a
// non-retryable error or the policy's retries are spent, and returns the
// last attempt's error. Cancelling ctx stops the loop; if an attempt has
// already failed, its error is returned rather than ctx.Err().
func (p Policy) Do(ctx context.Context, attempt func(n int) error, hooks Hooks) error {
	p = p.normalized()

	var last error
	for n := 0; ; n++ {
		if ctx.Err() != nil {
			if last != nil {
				return last
			}
			return ctx.Err()
		}

		last = attempt(n)
		if last == nil {
			return nil
		}
		if n == p.Retries || (hooks.Retryable != nil && !hooks.Retryable(last)) {
			return last
		}

		wait := p.Wait(n + 1)
		if hooks.BeforeRetry != nil {
			hooks.BeforeRetry(n+1, last, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last
		case <-timer.C:
		}
	}
}
