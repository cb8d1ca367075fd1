package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/health"
	"github.com/vyrodovalexey/svcgw/internal/loadbalancer"
	"github.com/vyrodovalexey/svcgw/internal/middleware"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/proxy"
	"github.com/vyrodovalexey/svcgw/internal/ratelimit"
	"github.com/vyrodovalexey/svcgw/internal/registry"
)

// verifierBreakerName labels the remote token verifier's breaker in
// metrics.
const verifierBreakerName = "auth-verifier"

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway owns the shared components and the HTTP listener.
type Gateway struct {
	config  *config.GatewayConfig
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry   *registry.Registry
	breakers   *circuitbreaker.Manager
	balancer   *loadbalancer.LoadBalancer
	limiter    *ratelimit.Limiter
	global     *ratelimit.GlobalLimiter
	checker    *health.Checker
	dispatcher *Dispatcher
	policy     *policyHolder

	transport  http.RoundTripper
	authClient *http.Client
	healthHTTP *http.Client

	engine   *gin.Engine
	handler  http.Handler
	listener *Listener

	state     atomic.Int32
	startTime time.Time
	stopBG    context.CancelFunc
	mu        sync.RWMutex

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation of every component.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithTracer opens a server span per request.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithShutdownTimeout overrides gateway.shutdownTimeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// WithUpstreamTransport sets the transport used to reach backends.
func WithUpstreamTransport(transport http.RoundTripper) Option {
	return func(g *Gateway) {
		g.transport = transport
	}
}

// WithAuthHTTPClient sets the client of the remote token verifier.
func WithAuthHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.authClient = client
	}
}

// WithHealthHTTPClient sets the client of the HTTP health probes.
func WithHealthHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.healthHTTP = client
	}
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g := &Gateway{
		config:    cfg,
		logger:    observability.NopLogger(),
		policy:    &policyHolder{},
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.shutdownTimeout <= 0 {
		g.shutdownTimeout = cfg.Gateway.ShutdownTimeout.Duration()
	}

	strategy, err := loadbalancer.ParseStrategy(cfg.Gateway.LoadBalancing)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	p, err := buildPolicy(cfg, g.logger.Named("auth"), g.authClient, g.verifierStateCallback())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	g.policy.Store(p)

	g.buildComponents(cfg, strategy)

	if err := g.applyServices(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.engine = g.newEngine()
	g.handler = g.buildHandler(cfg)

	g.state.Store(int32(StateStopped))

	return g, nil
}

func (g *Gateway) buildComponents(cfg *config.GatewayConfig, strategy loadbalancer.Strategy) {
	regOpts := []registry.Option{registry.WithLogger(g.logger.Named("registry"))}
	cbOpts := []circuitbreaker.ManagerOption{circuitbreaker.WithManagerLogger(g.logger.Named("circuitbreaker"))}
	lbOpts := []loadbalancer.Option{loadbalancer.WithLogger(g.logger.Named("loadbalancer"))}
	hcOpts := []health.Option{
		health.WithLogger(g.logger.Named("health")),
		health.WithInterval(cfg.Gateway.HealthCheckInterval.Duration()),
	}
	fwOpts := []proxy.Option{proxy.WithLogger(g.logger.Named("proxy"))}

	if g.metrics != nil {
		regOpts = append(regOpts, registry.WithHealthObserver(g.metrics))
		cbOpts = append(cbOpts, circuitbreaker.WithManagerObserver(g.metrics))
		lbOpts = append(lbOpts, loadbalancer.WithConnectionObserver(g.metrics))
		hcOpts = append(hcOpts, health.WithMetrics(g.metrics))
		fwOpts = append(fwOpts, proxy.WithRecorder(g.metrics))
	}
	if g.healthHTTP != nil {
		hcOpts = append(hcOpts, health.WithHTTPClient(g.healthHTTP))
	}
	if g.transport != nil {
		fwOpts = append(fwOpts, proxy.WithTransport(g.transport))
	}

	g.registry = registry.New(regOpts...)
	g.breakers = circuitbreaker.NewManager(cbOpts...)
	g.balancer = loadbalancer.New(g.registry, strategy, lbOpts...)
	g.limiter = ratelimit.NewLimiter(ratelimit.WithLogger(g.logger.Named("ratelimit")))
	g.global = ratelimit.NewGlobalLimiter(globalLimit(cfg))
	g.checker = health.NewChecker(g.registry, hcOpts...)

	g.dispatcher = &Dispatcher{
		registry:  g.registry,
		breakers:  g.breakers,
		balancer:  g.balancer,
		limiter:   g.limiter,
		global:    g.global,
		forwarder: proxy.NewForwarder(fwOpts...),
		policy:    g.policy,
		logger:    g.logger.Named("dispatcher"),
	}
	if g.metrics != nil {
		g.dispatcher.recorder = g.metrics
	}
}

// buildHandler wraps the gin engine in the request pipeline shared by
// every route.
func (g *Gateway) buildHandler(cfg *config.GatewayConfig) http.Handler {
	var tracing, metrics func(http.Handler) http.Handler
	if g.tracer != nil {
		tracing = observability.TracingMiddleware(g.tracer)
	}
	if g.metrics != nil {
		metrics = observability.MetricsMiddleware(g.metrics)
	}

	return middleware.Chain(g.engine,
		middleware.RequestID(),
		middleware.ClientIP(middleware.NewClientIPExtractor(cfg.Gateway.TrustedProxies)),
		tracing,
		middleware.Logging(g.logger.Named("access")),
		metrics,
		middleware.Recovery(g.logger),
		middleware.CORSFromConfig(cfg.Gateway.CORS),
		middleware.BodyLimit(cfg.Gateway.MaxBodyBytes, g.logger),
	)
}

// Start binds the listener and starts the health sweep and rate-limit
// cleanup.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	cfg := g.Config()
	g.logger.Info("starting gateway",
		observability.String("listen", cfg.Gateway.Listen),
		observability.Int("services", len(cfg.Services)),
	)

	listener := NewListener("http", cfg.Gateway.Listen, g.handler, WithListenerLogger(g.logger))
	if err := listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.checker.Start(bgCtx)
	g.limiter.StartCleanup(bgCtx, cfg.Gateway.RateLimitCleanupInterval.Duration())
	g.breakers.StartSweep(bgCtx, cfg.Gateway.RateLimitCleanupInterval.Duration())

	g.mu.Lock()
	g.listener = listener
	g.stopBG = cancel
	g.startTime = time.Now()
	g.mu.Unlock()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", listener.Addr()),
	)

	return nil
}

// Stop drains the listener and stops the background tasks.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	g.mu.Lock()
	listener, stopBG := g.listener, g.stopBG
	g.listener, g.stopBG = nil, nil
	g.mu.Unlock()

	var stopErr error
	if listener != nil {
		if err := listener.Stop(ctx); err != nil {
			g.logger.Error("failed to stop listener",
				observability.String("name", listener.Name()),
				observability.Error(err),
			)
			stopErr = err
		}
	}

	g.checker.Stop()
	g.limiter.Stop()
	if stopBG != nil {
		stopBG()
	}

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped")

	return stopErr
}

// Reload applies cfg without dropping connections. Services are synced
// into the registry, keeping the health of unchanged instances; breakers
// and rate limits are reconfigured; the balancing strategy, global
// ceiling, API versions and authentication are swapped. Listener-level
// settings (listen address, trusted proxies, CORS, body limit, health
// check interval) take effect on restart. On error the running
// configuration is left untouched.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	err := g.reload(cfg)
	if g.metrics != nil {
		g.metrics.RecordConfigReload(err == nil)
	}
	return err
}

func (g *Gateway) reload(cfg *config.GatewayConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	strategy, err := loadbalancer.ParseStrategy(cfg.Gateway.LoadBalancing)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	p, err := buildPolicy(cfg, g.logger.Named("auth"), g.authClient, g.verifierStateCallback())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("reloading gateway configuration",
		observability.Int("services", len(cfg.Services)),
	)

	if err := g.applyServices(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	g.balancer.SetStrategy(strategy)
	g.global.SetLimit(globalLimit(cfg))
	g.policy.Store(p)
	g.config = cfg

	g.logger.Info("gateway configuration reloaded",
		observability.String("load_balancing", string(strategy)),
		observability.Int("auth_exemptions", p.exemptions.Len()),
	)

	return nil
}

// applyServices syncs the registry with cfg and drops the breakers,
// windows and connection counters of removed services.
func (g *Gateway) applyServices(cfg *config.GatewayConfig) error {
	defs := registry.DefinitionsFromConfig(cfg)
	removed, err := g.registry.Sync(defs)
	if err != nil {
		return fmt.Errorf("sync services: %w", err)
	}

	for _, def := range defs {
		g.breakers.Configure(def.Name, circuitbreaker.ConfigFromLimits(def.CircuitBreaker))
		g.limiter.Configure(def.Name, ratelimit.ConfigFromLimits(def.RateLimit))
	}
	for _, name := range removed {
		g.breakers.Remove(name)
		g.limiter.Remove(name)
		g.balancer.Forget(name)
		g.logger.Info("service removed", observability.String("service", name))
	}
	return nil
}

func (g *Gateway) verifierStateCallback() func(from, to string) {
	if g.metrics == nil {
		return nil
	}
	return func(from, to string) {
		g.metrics.RecordCircuitBreakerTransition(verifierBreakerName, from, to)
	}
}

func globalLimit(cfg *config.GatewayConfig) (float64, int) {
	gl := cfg.Gateway.GlobalRateLimit
	if !gl.Enabled {
		return 0, 0
	}
	return gl.RPS, gl.Burst
}

// Handler returns the full request pipeline, for use without Start.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Dispatcher returns the proxied request handler.
func (g *Gateway) Dispatcher() *Dispatcher {
	return g.dispatcher
}

// Registry returns the service registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Breakers returns the circuit breaker manager.
func (g *Gateway) Breakers() *circuitbreaker.Manager {
	return g.breakers
}

// HealthChecker returns the background health checker.
func (g *Gateway) HealthChecker() *health.Checker {
	return g.checker
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Addr returns the address the listener is bound to, or the configured
// address when not running.
func (g *Gateway) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener != nil {
		return g.listener.Addr()
	}
	return g.config.Gateway.Listen
}

// Uptime returns the time since the gateway was started, or created
// when it never ran.
func (g *Gateway) Uptime() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return time.Since(g.startTime)
}

// Config returns the current configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}
