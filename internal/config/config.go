package config

import (
	"time"
)

// Load balancing strategies.
const (
	StrategyRoundRobin         = "round-robin"
	StrategyLeastConnections   = "least-connections"
	StrategyWeightedRoundRobin = "weighted-round-robin"
	StrategyIPHash             = "ip-hash"
)

// Authentication modes.
const (
	AuthModeNone   = "none"
	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"
)

// Health check protocols.
const (
	HealthProtocolHTTP = "http"
	HealthProtocolGRPC = "grpc"
)

// Defaults.
const (
	DefaultListen                   = ":8080"
	DefaultAPIVersion               = "v1"
	DefaultHealthCheckInterval      = 30 * time.Second
	DefaultRateLimitCleanupInterval = 60 * time.Second
	DefaultShutdownTimeout          = 30 * time.Second
	DefaultTimeout                  = 30 * time.Second
	DefaultRetryBackoff             = 50 * time.Millisecond
	DefaultHealthCheckPath          = "/health"
	DefaultFailureThreshold         = 5
	DefaultRecoveryTimeout          = 30 * time.Second
	DefaultMonitoringPeriod         = 60 * time.Second
	DefaultRateLimitRequests        = 100
	DefaultRateLimitWindow          = 60 * time.Second
	DefaultRateLimitBurst           = 10
	DefaultAuthServiceName          = "auth"
	DefaultRemoteAuthTimeout        = 5 * time.Second
	DefaultRemoteAuthCacheTTL       = 30 * time.Second
	DefaultRemoteAuthCacheSize      = 10000
	DefaultMetricsListen            = ":9090"
	DefaultMetricsPath              = "/metrics"
	DefaultMaxBodyBytes             = 10 << 20
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Gateway       GatewaySettings     `yaml:"gateway" json:"gateway"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Defaults      ServiceDefaults     `yaml:"defaults" json:"defaults"`
	Services      []ServiceConfig     `yaml:"services" json:"services"`
}

// GatewaySettings holds listener and pipeline-wide settings.
type GatewaySettings struct {
	Listen                   string          `yaml:"listen" json:"listen"`
	APIVersions              []string        `yaml:"apiVersions" json:"apiVersions"`
	LoadBalancing            string          `yaml:"loadBalancing" json:"loadBalancing"`
	HealthCheckInterval      Duration        `yaml:"healthCheckInterval" json:"healthCheckInterval"`
	RateLimitCleanupInterval Duration        `yaml:"rateLimitCleanupInterval" json:"rateLimitCleanupInterval"`
	ShutdownTimeout          Duration        `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	TrustedProxies           []string        `yaml:"trustedProxies" json:"trustedProxies"`
	GlobalRateLimit          GlobalRateLimit `yaml:"globalRateLimit" json:"globalRateLimit"`
	MaxBodyBytes             int64           `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	CORS                     *CORSConfig     `yaml:"cors" json:"cors,omitempty"`
}

// CORSConfig configures cross-origin access for browser clients.
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins" json:"allowOrigins"`
	AllowMethods     []string `yaml:"allowMethods" json:"allowMethods"`
	AllowHeaders     []string `yaml:"allowHeaders" json:"allowHeaders"`
	ExposeHeaders    []string `yaml:"exposeHeaders" json:"exposeHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials" json:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge" json:"maxAge"`
}

// GlobalRateLimit is the gateway-wide token bucket ceiling.
type GlobalRateLimit struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	RPS     float64 `yaml:"rps" json:"rps"`
	Burst   int     `yaml:"burst" json:"burst"`
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	Mode        string           `yaml:"mode" json:"mode"`
	ServiceName string           `yaml:"serviceName" json:"serviceName"`
	JWT         JWTConfig        `yaml:"jwt" json:"jwt"`
	Remote      RemoteAuthConfig `yaml:"remote" json:"remote"`
	Exemptions  []string         `yaml:"exemptions" json:"exemptions"`
}

// JWTConfig configures local token verification.
type JWTConfig struct {
	Secret        string `yaml:"secret" json:"-"`
	PublicKeyFile string `yaml:"publicKeyFile" json:"publicKeyFile,omitempty"`
	Algorithm     string `yaml:"algorithm" json:"algorithm,omitempty"`
	Issuer        string `yaml:"issuer" json:"issuer,omitempty"`
	Audience      string `yaml:"audience" json:"audience,omitempty"`
}

// RemoteAuthConfig configures delegated token verification.
type RemoteAuthConfig struct {
	VerifyURL string   `yaml:"verifyURL" json:"verifyURL"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
	CacheTTL  Duration `yaml:"cacheTTL" json:"cacheTTL"`
	CacheSize int      `yaml:"cacheSize" json:"cacheSize"`
}

// AdminConfig guards the administrative endpoints. An empty token
// disables them.
type AdminConfig struct {
	Token string `yaml:"token" json:"-"`
}

// ObservabilityConfig groups logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// ServiceDefaults apply to every service that leaves a field unset.
type ServiceDefaults struct {
	Timeout         Duration             `yaml:"timeout" json:"timeout"`
	Retries         int                  `yaml:"retries" json:"retries"`
	RetryBackoff    Duration             `yaml:"retryBackoff" json:"retryBackoff"`
	HealthCheckPath string               `yaml:"healthCheckPath" json:"healthCheckPath"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	RateLimit       RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
}

// ServiceConfig describes one backend service.
type ServiceConfig struct {
	Name           string                `yaml:"name" json:"name"`
	Instances      []string              `yaml:"instances" json:"instances"`
	HealthCheck    HealthCheckConfig     `yaml:"healthCheck" json:"healthCheck"`
	Timeout        Duration              `yaml:"timeout" json:"timeout"`
	Retries        *int                  `yaml:"retries" json:"retries"`
	RetryBackoff   Duration              `yaml:"retryBackoff" json:"retryBackoff"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	RateLimit      *RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
}

// HealthCheckConfig configures active health checks of a service.
type HealthCheckConfig struct {
	Path     string `yaml:"path" json:"path"`
	Protocol string `yaml:"protocol" json:"protocol"`
}

// CircuitBreakerConfig holds breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout" json:"recoveryTimeout"`
	MonitoringPeriod Duration `yaml:"monitoringPeriod" json:"monitoringPeriod"`
}

// RateLimitConfig holds sliding window parameters. Window accepts the
// legacy windowMs key as well.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
	WindowMs Duration `yaml:"windowMs" json:"-"`
	Burst    *int     `yaml:"burst" json:"burst"`
}

// BurstSize returns the burst allowance, 0 when unset.
func (rl *RateLimitConfig) BurstSize() int {
	if rl == nil || rl.Burst == nil {
		return 0
	}
	return *rl.Burst
}

// DefaultConfig returns a configuration with every default applied and
// no services.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SamplingRate: 1.0},
		},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field. Service-level fields inherit from
// Defaults, which itself falls back to the package constants.
func (c *GatewayConfig) SetDefaults() {
	g := &c.Gateway
	setString(&g.Listen, DefaultListen)
	if len(g.APIVersions) == 0 {
		g.APIVersions = []string{DefaultAPIVersion}
	}
	setString(&g.LoadBalancing, StrategyRoundRobin)
	setDuration(&g.HealthCheckInterval, DefaultHealthCheckInterval)
	setDuration(&g.RateLimitCleanupInterval, DefaultRateLimitCleanupInterval)
	setDuration(&g.ShutdownTimeout, DefaultShutdownTimeout)
	if g.MaxBodyBytes == 0 {
		g.MaxBodyBytes = DefaultMaxBodyBytes
	}

	a := &c.Auth
	setString(&a.Mode, AuthModeNone)
	setString(&a.ServiceName, DefaultAuthServiceName)
	setString(&a.JWT.Algorithm, "HS256")
	setDuration(&a.Remote.Timeout, DefaultRemoteAuthTimeout)
	setDuration(&a.Remote.CacheTTL, DefaultRemoteAuthCacheTTL)
	if a.Remote.CacheSize == 0 {
		a.Remote.CacheSize = DefaultRemoteAuthCacheSize
	}

	o := &c.Observability
	setString(&o.Logging.Level, "info")
	setString(&o.Logging.Format, "json")
	setString(&o.Metrics.Listen, DefaultMetricsListen)
	setString(&o.Metrics.Path, DefaultMetricsPath)

	d := &c.Defaults
	setDuration(&d.Timeout, DefaultTimeout)
	setDuration(&d.RetryBackoff, DefaultRetryBackoff)
	setString(&d.HealthCheckPath, DefaultHealthCheckPath)
	d.CircuitBreaker.applyDefaults(CircuitBreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  Duration(DefaultRecoveryTimeout),
		MonitoringPeriod: Duration(DefaultMonitoringPeriod),
	})
	defaultBurst := DefaultRateLimitBurst
	d.RateLimit.applyDefaults(RateLimitConfig{
		Requests: DefaultRateLimitRequests,
		Window:   Duration(DefaultRateLimitWindow),
		Burst:    &defaultBurst,
	})

	for i := range c.Services {
		c.Services[i].applyDefaults(d)
	}
}

func (s *ServiceConfig) applyDefaults(d *ServiceDefaults) {
	setString(&s.HealthCheck.Path, d.HealthCheckPath)
	setString(&s.HealthCheck.Protocol, HealthProtocolHTTP)
	setDuration(&s.Timeout, d.Timeout.Duration())
	setDuration(&s.RetryBackoff, d.RetryBackoff.Duration())
	if s.Retries == nil {
		retries := d.Retries
		s.Retries = &retries
	}
	if s.CircuitBreaker == nil {
		s.CircuitBreaker = &CircuitBreakerConfig{}
	}
	s.CircuitBreaker.applyDefaults(d.CircuitBreaker)
	if s.RateLimit == nil {
		s.RateLimit = &RateLimitConfig{}
	}
	s.RateLimit.applyDefaults(d.RateLimit)
}

func (cb *CircuitBreakerConfig) applyDefaults(d CircuitBreakerConfig) {
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = d.FailureThreshold
	}
	setDuration(&cb.RecoveryTimeout, d.RecoveryTimeout.Duration())
	setDuration(&cb.MonitoringPeriod, d.MonitoringPeriod.Duration())
}

func (rl *RateLimitConfig) applyDefaults(d RateLimitConfig) {
	if rl.Window == 0 && rl.WindowMs != 0 {
		rl.Window = rl.WindowMs
	}
	if rl.Requests == 0 {
		rl.Requests = d.Requests
	}
	setDuration(&rl.Window, d.Window.Duration())
	if rl.Burst == nil {
		burst := d.BurstSize()
		rl.Burst = &burst
	}
}

// RetryCount returns the configured retries, 0 when unset.
func (s *ServiceConfig) RetryCount() int {
	if s.Retries == nil {
		return 0
	}
	return *s.Retries
}

// Service returns the named service configuration, or nil.
func (c *GatewayConfig) Service(name string) *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *Duration, def time.Duration) {
	if *dst == 0 {
		*dst = Duration(def)
	}
}
