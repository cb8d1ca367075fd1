package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GlobalLimiter is a gateway-wide token bucket checked before the
// per-client windows. A nil or disabled GlobalLimiter allows everything.
type GlobalLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewGlobalLimiter creates a token bucket refilled at rps tokens per
// second holding at most burst tokens. A non-positive rps disables it.
func NewGlobalLimiter(rps float64, burst int) *GlobalLimiter {
	g := &GlobalLimiter{}
	g.SetLimit(rps, burst)
	return g
}

// SetLimit replaces the bucket parameters.
func (g *GlobalLimiter) SetLimit(rps float64, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rps <= 0 {
		g.limiter = nil
		return
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return
	}
	g.limiter.SetLimit(rate.Limit(rps))
	g.limiter.SetBurst(burst)
}

// Allow consumes one token. On rejection it returns the whole seconds
// until a token is available.
func (g *GlobalLimiter) Allow() (bool, int) {
	if g == nil {
		return true, 0
	}
	g.mu.RLock()
	l := g.limiter
	g.mu.RUnlock()
	if l == nil {
		return true, 0
	}

	now := time.Now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, max(1, secondsUntil(now, now.Add(delay)))
}

// Enabled reports whether the ceiling is active.
func (g *GlobalLimiter) Enabled() bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limiter != nil
}
