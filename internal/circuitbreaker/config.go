package circuitbreaker

import (
	"time"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/registry"
)

// Config contains circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the number of failures within one monitoring
	// period that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a probe
	// is let through.
	RecoveryTimeout time.Duration

	// MonitoringPeriod is the length of the window failures are counted in.
	MonitoringPeriod time.Duration
}

// DefaultConfig returns the default thresholds: 5 failures per 60s,
// 30s recovery.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: config.DefaultFailureThreshold,
		RecoveryTimeout:  config.DefaultRecoveryTimeout,
		MonitoringPeriod: config.DefaultMonitoringPeriod,
	}
}

// ConfigFromLimits converts the breaker limits of a service definition.
func ConfigFromLimits(l registry.CircuitBreakerLimits) Config {
	return Config{
		FailureThreshold: l.FailureThreshold,
		RecoveryTimeout:  l.RecoveryTimeout,
		MonitoringPeriod: l.MonitoringPeriod,
	}.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	return c
}
