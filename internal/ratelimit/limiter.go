// Package ratelimit provides per-client sliding window rate limiting with a
// burst allowance, and an optional gateway-wide token bucket ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
)

// Rejection reasons.
const (
	ReasonBlocked = "blocked"
	ReasonLimit   = "limit"
	ReasonGlobal  = "global"
)

// Config holds sliding window parameters of one service.
type Config struct {
	// Requests is the number of requests accepted per window.
	Requests int

	// Window is the length of the sliding window.
	Window time.Duration

	// Burst is the number of requests accepted beyond Requests before the
	// client is rejected. Spending the burst blocks the client for twice
	// the window.
	Burst int
}

// DefaultConfig returns 100 requests per 60s with a burst of 10.
func DefaultConfig() Config {
	return Config{
		Requests: config.DefaultRateLimitRequests,
		Window:   config.DefaultRateLimitWindow,
		Burst:    config.DefaultRateLimitBurst,
	}
}

// ConfigFromLimits converts the rate limits of a service definition.
func ConfigFromLimits(l registry.RateLimitLimits) Config {
	cfg := Config{Requests: l.Requests, Window: l.Window, Burst: l.Burst}
	d := DefaultConfig()
	if cfg.Requests <= 0 {
		cfg.Requests = d.Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	return cfg
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Burst is set when the request was accepted from the burst allowance.
	Burst bool
	// Reason explains a rejection.
	Reason string
	// RetryAfter is the number of whole seconds until the client is
	// unblocked.
	RetryAfter int
}

// Stats summarizes the tracked client windows.
type Stats struct {
	TrackedClients int `json:"trackedClients"`
	BlockedClients int `json:"blockedClients"`
}

type windowKey struct {
	client  string
	service string
}

type clientWindow struct {
	mu           sync.Mutex
	requests     []time.Time
	blocked      bool
	blockedUntil time.Time
	removed      bool
}

// Limiter tracks a sliding window per (client, service) pair.
type Limiter struct {
	windows sync.Map // windowKey -> *clientWindow

	cfgMu      sync.RWMutex
	configs    map[string]Config
	defaultCfg Config

	logger observability.Logger
	now    func() time.Time

	stopMu  sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithDefaultConfig sets the configuration of services that were never
// configured explicitly.
func WithDefaultConfig(cfg Config) Option {
	return func(l *Limiter) {
		l.defaultCfg = cfg
	}
}

// NewLimiter creates a limiter with no tracked clients.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		configs:    make(map[string]Config),
		defaultCfg: DefaultConfig(),
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure sets the window parameters of service. Existing client
// windows are evaluated against the new parameters from the next request.
func (l *Limiter) Configure(service string, cfg Config) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	l.configs[service] = cfg
}

// Remove forgets the configuration of service.
func (l *Limiter) Remove(service string) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	delete(l.configs, service)
}

// ConfigFor returns the effective configuration of service.
func (l *Limiter) ConfigFor(service string) Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	if cfg, ok := l.configs[service]; ok {
		return cfg
	}
	return l.defaultCfg
}

// IsAllowed reports whether client may send one more request to service.
func (l *Limiter) IsAllowed(client, service string) bool {
	return l.Allow(client, service).Allowed
}

// Allow runs the admission check and records the request when accepted.
//
// A blocked client is rejected until its block expires. Otherwise requests
// older than the window are pruned. Below Requests the request is
// accepted. Below Requests+Burst it is accepted and the client is blocked
// for two windows. Beyond that it is rejected and the client is blocked
// for one window.
func (l *Limiter) Allow(client, service string) Decision {
	cfg := l.ConfigFor(service)
	key := windowKey{client: client, service: service}

	for {
		w := l.window(key)
		w.mu.Lock()
		if w.removed {
			w.mu.Unlock()
			continue
		}
		d := l.admit(w, cfg)
		w.mu.Unlock()

		if !d.Allowed {
			l.logger.Debug("rate limit exceeded",
				observability.String("client", client),
				observability.String("service", service),
				observability.String("reason", d.Reason),
				observability.Int("retry_after", d.RetryAfter),
			)
		} else if d.Burst {
			l.logger.Debug("rate limit burst spent, client blocked",
				observability.String("client", client),
				observability.String("service", service),
			)
		}
		return d
	}
}

// admit must be called with w.mu held.
func (l *Limiter) admit(w *clientWindow, cfg Config) Decision {
	now := l.now()

	if w.blocked {
		if now.Before(w.blockedUntil) {
			return Decision{Reason: ReasonBlocked, RetryAfter: secondsUntil(now, w.blockedUntil)}
		}
		w.blocked = false
		w.blockedUntil = time.Time{}
	}

	cutoff := now.Add(-cfg.Window)
	kept := w.requests[:0]
	for _, ts := range w.requests {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.requests = kept

	count := len(w.requests)
	switch {
	case count < cfg.Requests:
		w.requests = append(w.requests, now)
		return Decision{Allowed: true}
	case count < cfg.Requests+cfg.Burst:
		w.requests = append(w.requests, now)
		w.blocked = true
		w.blockedUntil = now.Add(2 * cfg.Window)
		return Decision{Allowed: true, Burst: true}
	default:
		w.blocked = true
		w.blockedUntil = now.Add(cfg.Window)
		return Decision{Reason: ReasonLimit, RetryAfter: secondsUntil(now, w.blockedUntil)}
	}
}

func (l *Limiter) window(key windowKey) *clientWindow {
	if v, ok := l.windows.Load(key); ok {
		return v.(*clientWindow)
	}
	v, _ := l.windows.LoadOrStore(key, &clientWindow{})
	return v.(*clientWindow)
}

// RetryAfter returns the whole seconds until client is unblocked for
// service, or 0 when it is not blocked.
func (l *Limiter) RetryAfter(client, service string) int {
	v, ok := l.windows.Load(windowKey{client: client, service: service})
	if !ok {
		return 0
	}
	w := v.(*clientWindow)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.blocked {
		return 0
	}
	return secondsUntil(l.now(), w.blockedUntil)
}

// sweep prunes w and drops it when it is idle. A window already dropped by
// an overlapping sweep is skipped, and only w itself is deleted so a
// fresh window stored under key since then survives.
func (l *Limiter) sweep(key windowKey, w *clientWindow, now time.Time) bool {
	window := l.ConfigFor(key.service).Window

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed {
		return false
	}

	if w.blocked && !now.Before(w.blockedUntil) {
		w.blocked = false
	}
	cutoff := now.Add(-window)
	kept := w.requests[:0]
	for _, ts := range w.requests {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.requests = kept

	if len(w.requests) > 0 || w.blocked {
		return false
	}
	w.removed = true
	return l.windows.CompareAndDelete(key, w)
}

// Cleanup drops windows whose request log is empty after pruning and that
// are not blocked. It returns the number of windows removed.
func (l *Limiter) Cleanup() int {
	now := l.now()
	removed := 0

	l.windows.Range(func(k, v any) bool {
		if l.sweep(k.(windowKey), v.(*clientWindow), now) {
			removed++
		}
		return true
	})

	if removed > 0 {
		l.logger.Debug("rate limit windows cleaned up", observability.Int("removed", removed))
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is cancelled or Stop
// is called.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultRateLimitCleanupInterval
	}

	l.stopMu.Lock()
	if l.stopCh != nil {
		l.stopMu.Unlock()
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	stopCh, doneCh := l.stopCh, l.doneCh
	l.stopMu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Stop ends the cleanup loop and waits for it to exit. It is safe to call
// more than once.
func (l *Limiter) Stop() {
	l.stopMu.Lock()
	if l.stopped || l.stopCh == nil {
		l.stopped = true
		l.stopMu.Unlock()
		return
	}
	l.stopped = true
	close(l.stopCh)
	doneCh := l.doneCh
	l.stopMu.Unlock()

	<-doneCh
}

// Stats returns the number of tracked and currently blocked windows.
func (l *Limiter) Stats() Stats {
	now := l.now()
	var s Stats
	l.windows.Range(func(_, v any) bool {
		w := v.(*clientWindow)
		w.mu.Lock()
		s.TrackedClients++
		if w.blocked && now.Before(w.blockedUntil) {
			s.BlockedClients++
		}
		w.mu.Unlock()
		return true
	})
	return s
}

func secondsUntil(now, until time.Time) int {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
