package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// UnmatchedService is the service label of requests that never
// resolved to a registered service.
const UnmatchedService = "unmatched"

// Proxy attempt outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal         *prometheus.CounterVec
	requestDuration       *prometheus.HistogramVec
	activeRequests        prometheus.Gauge
	proxyAttempts         *prometheus.CounterVec
	proxyRetries          *prometheus.CounterVec
	backendHealth         *prometheus.GaugeVec
	backendConnections    *prometheus.GaugeVec
	healthChecks          *prometheus.CounterVec
	healthCheckDuration   *prometheus.HistogramVec
	circuitBreakerState   *prometheus.GaugeVec
	circuitBreakerChanges *prometheus.CounterVec
	rateLimitRejections   *prometheus.CounterVec
	authFailures          *prometheus.CounterVec
	configReloads         *prometheus.CounterVec
	buildInfo             *prometheus.GaugeVec
	startTime             prometheus.Gauge
	registry              *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "svcgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "service", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "service"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	m.proxyAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_attempts_total",
			Help:      "Upstream attempts by outcome",
		},
		[]string{"service", "outcome"},
	)

	m.proxyRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_retries_total",
			Help:      "Upstream retries after transport failures",
		},
		[]string{"service"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help: "Instance health status " +
				"(1=healthy, 0=unhealthy)",
		},
		[]string{"service", "instance"},
	)

	m.backendConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_connections",
			Help:      "In-flight upstream requests per instance",
		},
		[]string{"service", "instance"},
	)

	m.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Active health checks by result",
		},
		[]string{"service", "result"},
	)

	m.healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Active health check duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	m.circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help: "Circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	m.circuitBreakerChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	m.rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"service", "reason"},
	)

	m.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected by authentication",
		},
		[]string{"service", "reason"},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help: "Start time of the gateway " +
				"in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.proxyAttempts,
		m.proxyRetries,
		m.backendHealth,
		m.backendConnections,
		m.healthChecks,
		m.healthCheckDuration,
		m.circuitBreakerState,
		m.circuitBreakerChanges,
		m.rateLimitRejections,
		m.authFailures,
		m.configReloads,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, service string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, service, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, service).Observe(duration.Seconds())
}

// RecordProxyAttempt records the outcome of a single upstream attempt.
func (m *Metrics) RecordProxyAttempt(service, outcome string) {
	m.proxyAttempts.WithLabelValues(service, outcome).Inc()
}

// RecordProxyRetry records a retry against another instance.
func (m *Metrics) RecordProxyRetry(service string) {
	m.proxyRetries.WithLabelValues(service).Inc()
}

// SetBackendHealth sets the instance health status.
func (m *Metrics) SetBackendHealth(service, instance string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(service, instance).Set(value)
}

// DeleteBackend drops per-instance series after an instance is removed.
func (m *Metrics) DeleteBackend(service, instance string) {
	m.backendHealth.DeleteLabelValues(service, instance)
	m.backendConnections.DeleteLabelValues(service, instance)
}

// SetBackendConnections sets the in-flight count of an instance.
func (m *Metrics) SetBackendConnections(service, instance string, n int64) {
	m.backendConnections.WithLabelValues(service, instance).Set(float64(n))
}

// RecordHealthCheck records one active health check.
func (m *Metrics) RecordHealthCheck(service string, healthy bool, duration time.Duration) {
	result := "failure"
	if healthy {
		result = "success"
	}
	m.healthChecks.WithLabelValues(service, result).Inc()
	m.healthCheckDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	m.circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a breaker state change.
func (m *Metrics) RecordCircuitBreakerTransition(service, from, to string) {
	m.circuitBreakerChanges.WithLabelValues(service, from, to).Inc()
}

// RecordRateLimitRejection records a rate-limited request.
func (m *Metrics) RecordRateLimitRejection(service, reason string) {
	m.rateLimitRejections.WithLabelValues(service, reason).Inc()
}

// RecordAuthFailure records a request rejected by authentication.
func (m *Metrics) RecordAuthFailure(service, reason string) {
	m.authFailures.WithLabelValues(service, reason).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware returns a middleware that records request metrics.
// The service label is taken from the request metadata filled in by the
// dispatcher, not from the raw path.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, meta := util.EnsureRequestMeta(r.Context())
			rw := util.NewStatusCapturingResponseWriter(w)

			metrics.activeRequests.Inc()
			next.ServeHTTP(rw, r.WithContext(ctx))
			metrics.activeRequests.Dec()

			service := meta.Service()
			if service == "" {
				service = UnmatchedService
			}
			metrics.RecordRequest(r.Method, service, rw.StatusCode, time.Since(start))
		})
	}
}
