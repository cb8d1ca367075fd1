package registry

import (
	"time"

	"github.com/vyrodovalexey/svcgw/internal/config"
)

// ServiceDefinition is the static configuration of a backend service.
type ServiceDefinition struct {
	Name                string               `json:"name"`
	Instances           []string             `json:"instances"`
	HealthCheckPath     string               `json:"healthCheckPath"`
	HealthCheckProtocol string               `json:"healthCheckProtocol"`
	Timeout             time.Duration        `json:"timeout"`
	Retries             int                  `json:"retries"`
	RetryBackoff        time.Duration        `json:"retryBackoff"`
	CircuitBreaker      CircuitBreakerLimits `json:"circuitBreaker"`
	RateLimit           RateLimitLimits      `json:"rateLimit"`
}

// CircuitBreakerLimits are the breaker thresholds of a service.
type CircuitBreakerLimits struct {
	FailureThreshold int           `json:"failureThreshold"`
	RecoveryTimeout  time.Duration `json:"recoveryTimeout"`
	MonitoringPeriod time.Duration `json:"monitoringPeriod"`
}

// RateLimitLimits are the per-client sliding window parameters of a
// service.
type RateLimitLimits struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
	Burst    int           `json:"burst"`
}

// withDefaults fills zero values that would make the definition unusable.
func (d ServiceDefinition) withDefaults() ServiceDefinition {
	if d.HealthCheckPath == "" {
		d.HealthCheckPath = config.DefaultHealthCheckPath
	}
	if d.HealthCheckProtocol == "" {
		d.HealthCheckProtocol = config.HealthProtocolHTTP
	}
	if d.Timeout <= 0 {
		d.Timeout = config.DefaultTimeout
	}
	if d.Retries < 0 {
		d.Retries = 0
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = config.DefaultRetryBackoff
	}
	if d.CircuitBreaker.FailureThreshold <= 0 {
		d.CircuitBreaker.FailureThreshold = config.DefaultFailureThreshold
	}
	if d.CircuitBreaker.RecoveryTimeout <= 0 {
		d.CircuitBreaker.RecoveryTimeout = config.DefaultRecoveryTimeout
	}
	if d.CircuitBreaker.MonitoringPeriod <= 0 {
		d.CircuitBreaker.MonitoringPeriod = config.DefaultMonitoringPeriod
	}
	if d.RateLimit.Requests <= 0 {
		d.RateLimit.Requests = config.DefaultRateLimitRequests
	}
	if d.RateLimit.Window <= 0 {
		d.RateLimit.Window = config.DefaultRateLimitWindow
	}
	if d.RateLimit.Burst < 0 {
		d.RateLimit.Burst = 0
	}
	return d
}

// DefinitionFromConfig converts a defaulted service configuration.
func DefinitionFromConfig(sc config.ServiceConfig) ServiceDefinition {
	def := ServiceDefinition{
		Name:                sc.Name,
		Instances:           append([]string(nil), sc.Instances...),
		HealthCheckPath:     sc.HealthCheck.Path,
		HealthCheckProtocol: sc.HealthCheck.Protocol,
		Timeout:             sc.Timeout.Duration(),
		Retries:             sc.RetryCount(),
		RetryBackoff:        sc.RetryBackoff.Duration(),
	}
	if cb := sc.CircuitBreaker; cb != nil {
		def.CircuitBreaker = CircuitBreakerLimits{
			FailureThreshold: cb.FailureThreshold,
			RecoveryTimeout:  cb.RecoveryTimeout.Duration(),
			MonitoringPeriod: cb.MonitoringPeriod.Duration(),
		}
	}
	if rl := sc.RateLimit; rl != nil {
		def.RateLimit = RateLimitLimits{
			Requests: rl.Requests,
			Window:   rl.Window.Duration(),
			Burst:    rl.BurstSize(),
		}
	}
	return def
}

// DefinitionsFromConfig converts every service of cfg.
func DefinitionsFromConfig(cfg *config.GatewayConfig) []ServiceDefinition {
	defs := make([]ServiceDefinition, 0, len(cfg.Services))
	for i := range cfg.Services {
		defs = append(defs, DefinitionFromConfig(cfg.Services[i]))
	}
	return defs
}
