package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed lets requests through and counts failures.
	StateClosed State = iota

	// StateHalfOpen lets requests through until the next recorded result
	// decides whether the backend recovered.
	StateHalfOpen

	// StateOpen rejects requests until the recovery timeout elapses.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// StateObserver receives state gauges and transition counts.
type StateObserver interface {
	SetCircuitBreakerState(service string, state int)
	RecordCircuitBreakerTransition(service, from, to string)
}

// CircuitBreaker is the failure-tracking state machine of one service.
// Transitions out of OPEN happen lazily when IsAvailable is queried.
type CircuitBreaker struct {
	name     string
	logger   observability.Logger
	observer StateObserver
	now      func() time.Time

	mu          sync.Mutex
	config      Config
	state       State
	failures    int
	periodStart time.Time
	openedAt    time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Service          string    `json:"service"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	FailureThreshold int       `json:"failureThreshold"`
	OpenedAt         time.Time `json:"openedAt,omitempty"`
}

// NewCircuitBreaker creates a closed breaker for the named service.
func NewCircuitBreaker(name string, cfg Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: cfg.normalized(),
		logger: observability.NopLogger(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.periodStart = cb.now()
	if cb.observer != nil {
		cb.observer.SetCircuitBreakerState(name, int(StateClosed))
	}
	return cb
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the breaker logger.
func WithLogger(logger observability.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithObserver sets the receiver of state changes.
func WithObserver(o StateObserver) Option {
	return func(cb *CircuitBreaker) {
		cb.observer = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// IsAvailable reports whether a request may be attempted. An OPEN breaker
// whose recovery timeout has elapsed moves to HALF_OPEN here. Repeated
// calls without a recorded result return the same answer.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordResult feeds the outcome of one dispatched request.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		if success {
			return
		}
		if now.Sub(cb.periodStart) >= cb.config.MonitoringPeriod {
			cb.failures = 0
			cb.periodStart = now
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		if success {
			cb.transitionTo(StateClosed)
		} else {
			cb.transitionTo(StateOpen)
		}

	case StateOpen:
		// Results of requests admitted before the circuit opened do not
		// extend the open period.
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) {
	prev := cb.state
	if prev == next {
		return
	}
	now := cb.now()
	cb.state = next

	switch next {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.failures = 0
		cb.periodStart = now
		cb.openedAt = time.Time{}
	}

	if cb.observer != nil {
		cb.observer.SetCircuitBreakerState(cb.name, int(next))
		cb.observer.RecordCircuitBreakerTransition(cb.name, prev.String(), next.String())
	}

	fields := []observability.Field{
		observability.String("service", cb.name),
		observability.String("from", prev.String()),
		observability.String("to", next.String()),
	}
	if next == StateOpen {
		cb.logger.Warn("circuit breaker opened", append(fields, observability.Int("failures", cb.failures))...)
		return
	}
	cb.logger.Info("circuit breaker state changed", fields...)
}

// State returns the current state without applying the lazy transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the failure count of the current monitoring period.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Snapshot returns the current state of the breaker.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Service:          cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.config.FailureThreshold,
		OpenedAt:         cb.openedAt,
	}
}

// Reconfigure replaces the thresholds while keeping the current state.
func (cb *CircuitBreaker) Reconfigure(cfg Config) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = cfg.normalized()
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failures = 0
	cb.periodStart = cb.now()
	cb.logger.Info("circuit breaker reset", observability.String("service", cb.name))
}

// Name returns the service name of the breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
