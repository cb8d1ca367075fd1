package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	apiVersionPattern  = regexp.MustCompile(`^v[0-9]+$`)
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// Is reports ErrInvalidConfig so callers can match any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(cfg *GatewayConfig) error {
	return NewValidator().Validate(cfg)
}

// Validate validates cfg and returns ValidationErrors, or nil.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateGateway(&cfg.Gateway)
	v.validateAuth(&cfg.Auth)
	v.validateObservability(&cfg.Observability)
	v.validateServices(cfg.Services)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateGateway(g *GatewaySettings) {
	if g.Listen == "" {
		v.addError("gateway.listen", "listen address is required")
	}

	if len(g.APIVersions) == 0 {
		v.addError("gateway.apiVersions", "at least one API version is required")
	}
	for i, version := range g.APIVersions {
		if !apiVersionPattern.MatchString(version) {
			v.addError(fmt.Sprintf("gateway.apiVersions[%d]", i),
				fmt.Sprintf("invalid version %q, expected v<N>", version))
		}
	}

	switch g.LoadBalancing {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedRoundRobin, StrategyIPHash:
	default:
		v.addError("gateway.loadBalancing", fmt.Sprintf("unknown strategy %q", g.LoadBalancing))
	}

	if g.HealthCheckInterval <= 0 {
		v.addError("gateway.healthCheckInterval", "must be positive")
	}
	if g.RateLimitCleanupInterval <= 0 {
		v.addError("gateway.rateLimitCleanupInterval", "must be positive")
	}

	for i, proxy := range g.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			v.addError(fmt.Sprintf("gateway.trustedProxies[%d]", i),
				fmt.Sprintf("%q is neither an IP nor a CIDR", proxy))
		}
	}

	if g.GlobalRateLimit.Enabled {
		if g.GlobalRateLimit.RPS <= 0 {
			v.addError("gateway.globalRateLimit.rps", "must be positive when enabled")
		}
		if g.GlobalRateLimit.Burst <= 0 {
			v.addError("gateway.globalRateLimit.burst", "must be positive when enabled")
		}
	}

	if g.MaxBodyBytes < 0 {
		v.addError("gateway.maxBodyBytes", "must not be negative")
	}

	if g.CORS != nil {
		for i, origin := range g.CORS.AllowOrigins {
			if origin == "" {
				v.addError(fmt.Sprintf("gateway.cors.allowOrigins[%d]", i), "must not be empty")
			}
		}
		if g.CORS.MaxAge < 0 {
			v.addError("gateway.cors.maxAge", "must not be negative")
		}
	}
}

func (v *Validator) validateAuth(a *AuthConfig) {
	switch a.Mode {
	case AuthModeNone:
	case AuthModeJWT:
		if a.JWT.Secret == "" && a.JWT.PublicKeyFile == "" {
			v.addError("auth.jwt", "secret or publicKeyFile is required in jwt mode")
		}
		switch a.JWT.Algorithm {
		case "HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512":
		default:
			v.addError("auth.jwt.algorithm", fmt.Sprintf("unsupported algorithm %q", a.JWT.Algorithm))
		}
	case AuthModeRemote:
		if err := validateHTTPURL(a.Remote.VerifyURL); err != nil {
			v.addError("auth.remote.verifyURL", err.Error())
		}
		if a.Remote.CacheSize < 0 {
			v.addError("auth.remote.cacheSize", "must not be negative")
		}
	default:
		v.addError("auth.mode", fmt.Sprintf("unknown mode %q", a.Mode))
	}

	for i, expr := range a.Exemptions {
		if strings.TrimSpace(expr) == "" {
			v.addError(fmt.Sprintf("auth.exemptions[%d]", i), "expression is empty")
		}
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	switch strings.ToLower(o.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("observability.logging.level", fmt.Sprintf("unknown level %q", o.Logging.Level))
	}
	switch o.Logging.Format {
	case "json", "console":
	default:
		v.addError("observability.logging.format", fmt.Sprintf("unknown format %q", o.Logging.Format))
	}
	if o.Metrics.Enabled && !strings.HasPrefix(o.Metrics.Path, "/") {
		v.addError("observability.metrics.path", "must start with /")
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) validateServices(services []ServiceConfig) {
	seen := make(map[string]bool, len(services))
	for i := range services {
		s := &services[i]
		path := fmt.Sprintf("services[%d]", i)

		if !serviceNamePattern.MatchString(s.Name) {
			v.addError(path+".name", fmt.Sprintf("invalid service name %q", s.Name))
		} else if seen[s.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate service %q", s.Name))
		}
		seen[s.Name] = true

		v.validateInstances(path, s.Instances)

		if !strings.HasPrefix(s.HealthCheck.Path, "/") {
			v.addError(path+".healthCheck.path", "must start with /")
		}
		switch s.HealthCheck.Protocol {
		case HealthProtocolHTTP, HealthProtocolGRPC:
		default:
			v.addError(path+".healthCheck.protocol", fmt.Sprintf("unknown protocol %q", s.HealthCheck.Protocol))
		}

		if s.Timeout <= 0 {
			v.addError(path+".timeout", "must be positive")
		}
		if s.RetryCount() < 0 {
			v.addError(path+".retries", "must not be negative")
		}

		if cb := s.CircuitBreaker; cb != nil {
			if cb.FailureThreshold <= 0 {
				v.addError(path+".circuitBreaker.failureThreshold", "must be positive")
			}
			if cb.RecoveryTimeout <= 0 {
				v.addError(path+".circuitBreaker.recoveryTimeout", "must be positive")
			}
			if cb.MonitoringPeriod <= 0 {
				v.addError(path+".circuitBreaker.monitoringPeriod", "must be positive")
			}
		}

		if rl := s.RateLimit; rl != nil {
			if rl.Requests <= 0 {
				v.addError(path+".rateLimit.requests", "must be positive")
			}
			if rl.Window <= 0 {
				v.addError(path+".rateLimit.window", "must be positive")
			}
			if rl.BurstSize() < 0 {
				v.addError(path+".rateLimit.burst", "must not be negative")
			}
		}
	}
}

func (v *Validator) validateInstances(path string, instances []string) {
	if len(instances) == 0 {
		v.addError(path+".instances", "at least one instance is required")
		return
	}
	seen := make(map[string]bool, len(instances))
	for j, inst := range instances {
		if util.HostPort(inst) == "" {
			v.addError(fmt.Sprintf("%s.instances[%d]", path, j), "address is empty")
			continue
		}
		if seen[inst] {
			v.addError(fmt.Sprintf("%s.instances[%d]", path, j), fmt.Sprintf("duplicate address %q", inst))
		}
		seen[inst] = true
	}
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL host is required")
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
