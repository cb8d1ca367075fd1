package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// DefaultSweepInterval is how often idle breakers are dropped when no
// interval is given.
const DefaultSweepInterval = time.Minute

// Manager owns one breaker per service. Breakers are created on first use
// with the configuration set by Configure, or DefaultConfig.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]Config
	logger   observability.Logger
	observer StateObserver
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger handed to every breaker.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerObserver sets the state observer handed to every breaker.
func WithManagerObserver(o StateObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithManagerClock overrides the time source of every breaker.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure sets the thresholds of service. An existing breaker keeps its
// state and adopts the new thresholds.
func (m *Manager) Configure(service string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg = cfg.normalized()
	m.configs[service] = cfg
	if cb, ok := m.breakers[service]; ok {
		cb.Reconfigure(cfg)
	}
}

// Get returns the breaker of service, creating it if needed.
func (m *Manager) Get(service string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[service]; ok {
		return cb
	}

	cfg, ok := m.configs[service]
	if !ok {
		cfg = DefaultConfig()
	}
	opts := []Option{WithLogger(m.logger), WithClock(m.now)}
	if m.observer != nil {
		opts = append(opts, WithObserver(m.observer))
	}
	cb = NewCircuitBreaker(service, cfg, opts...)
	m.breakers[service] = cb
	return cb
}

// withBreaker runs fn on service's breaker while it is guaranteed to be
// the one in the map, so Sweep cannot drop it mid-call.
func (m *Manager) withBreaker(service string, fn func(*CircuitBreaker)) {
	for {
		m.mu.RLock()
		if cb, ok := m.breakers[service]; ok {
			fn(cb)
			m.mu.RUnlock()
			return
		}
		m.mu.RUnlock()
		m.Get(service)
	}
}

// IsAvailable reports whether a request to service may be attempted.
func (m *Manager) IsAvailable(service string) bool {
	var available bool
	m.withBreaker(service, func(cb *CircuitBreaker) { available = cb.IsAvailable() })
	return available
}

// RecordResult feeds the outcome of one dispatched request to service.
func (m *Manager) RecordResult(service string, success bool) {
	m.withBreaker(service, func(cb *CircuitBreaker) { cb.RecordResult(success) })
}

// Snapshot returns the state of service's breaker.
func (m *Manager) Snapshot(service string) Snapshot {
	return m.Get(service).Snapshot()
}

// Snapshots returns the state of every breaker created so far, sorted
// by service.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, m.Get(name).Snapshot())
	}
	return out
}

// Reset forces service's breaker closed.
func (m *Manager) Reset(service string) {
	m.withBreaker(service, func(cb *CircuitBreaker) { cb.Reset() })
}

// Remove forgets service's breaker and configuration.
func (m *Manager) Remove(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, service)
	delete(m.configs, service)
}

// Sweep drops breakers that are closed with no failures counted. They are
// indistinguishable from a fresh breaker and are recreated on next use
// with the configured thresholds. It returns the number dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for name, cb := range m.breakers {
		if snap := cb.Snapshot(); snap.State == StateClosed && snap.Failures == 0 {
			delete(m.breakers, name)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("idle circuit breakers swept", observability.Int("removed", removed))
	}
	return removed
}

// StartSweep runs Sweep every interval until ctx is cancelled.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}
