package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgw/internal/health"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/ratelimit"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// ServiceMetrics is the per-service part of the metrics snapshot.
type ServiceMetrics struct {
	CircuitState     circuitbreaker.State `json:"circuitState"`
	Failures         int                  `json:"failures"`
	FailureThreshold int                  `json:"failureThreshold"`
	HealthyInstances int                  `json:"healthyInstances"`
	TotalInstances   int                  `json:"totalInstances"`
	Connections      map[string]int64     `json:"connections"`
}

// MetricsSnapshot is the body of GET /gateway/metrics.
type MetricsSnapshot struct {
	Timestamp       time.Time                 `json:"timestamp"`
	Uptime          string                    `json:"uptime"`
	UptimeSeconds   float64                   `json:"uptimeSeconds"`
	LoadBalancing   string                    `json:"loadBalancing"`
	Services        map[string]ServiceMetrics `json:"services"`
	RateLimiter     ratelimit.Stats           `json:"rateLimiter"`
	GlobalRateLimit bool                      `json:"globalRateLimit"`
}

// ServiceView is one entry of GET /gateway/services.
type ServiceView struct {
	Name                string                     `json:"name"`
	HealthCheckPath     string                     `json:"healthCheckPath"`
	HealthCheckProtocol string                     `json:"healthCheckProtocol"`
	Timeout             string                     `json:"timeout"`
	Retries             int                        `json:"retries"`
	CircuitBreaker      CircuitBreakerView         `json:"circuitBreaker"`
	RateLimit           RateLimitView              `json:"rateLimit"`
	Instances           []registry.ServiceInstance `json:"instances"`
}

// CircuitBreakerView renders breaker thresholds with readable durations.
type CircuitBreakerView struct {
	FailureThreshold int    `json:"failureThreshold"`
	RecoveryTimeout  string `json:"recoveryTimeout"`
	MonitoringPeriod string `json:"monitoringPeriod"`
}

// RateLimitView renders rate-limit parameters with readable durations.
type RateLimitView struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
	Burst    int    `json:"burst"`
}

var ginModeOnce sync.Once

type instanceRequest struct {
	Address string `json:"address" binding:"required"`
}

// newEngine registers the /gateway routes; everything else goes to the
// dispatcher.
func (g *Gateway) newEngine() *gin.Engine {
	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	gw := engine.Group("/gateway")
	gw.GET("/health", g.handleHealth)
	gw.GET("/health/:service", g.handleServiceHealth)
	gw.GET("/metrics", g.handleMetrics)
	gw.GET("/services", g.handleServices)

	admin := gw.Group("/services/:service", g.requireAdmin)
	admin.POST("/instances", g.handleAddInstance)
	admin.DELETE("/instances", g.handleRemoveInstance)
	admin.POST("/circuit/reset", g.handleResetCircuit)

	engine.NoRoute(g.handleNoRoute)

	return engine
}

func (g *Gateway) handleNoRoute(c *gin.Context) {
	path := c.Request.URL.Path
	if strings.HasPrefix(path, APIPrefix) || path == strings.TrimSuffix(APIPrefix, "/") {
		g.dispatcher.ServeHTTP(c.Writer, c.Request)
		return
	}
	writeError(c, http.StatusNotFound, fmt.Sprintf("no route for %s", path))
}

func (g *Gateway) handleHealth(c *gin.Context) {
	report := health.BuildReport(g.registry, g.breakers)
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (g *Gateway) handleServiceHealth(c *gin.Context) {
	service := c.Param("service")
	report, ok := health.BuildServiceReport(g.registry, g.breakers, service)
	if !ok {
		writeError(c, http.StatusNotFound, fmt.Sprintf("service %q not found", service))
		return
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (g *Gateway) handleMetrics(c *gin.Context) {
	uptime := g.Uptime()
	snapshot := MetricsSnapshot{
		Timestamp:       time.Now(),
		Uptime:          uptime.Round(time.Second).String(),
		UptimeSeconds:   uptime.Seconds(),
		LoadBalancing:   string(g.balancer.Strategy()),
		Services:        make(map[string]ServiceMetrics),
		RateLimiter:     g.limiter.Stats(),
		GlobalRateLimit: g.global.Enabled(),
	}

	for _, name := range g.registry.Services() {
		cb := g.breakers.Snapshot(name)
		instances := g.registry.Instances(name)
		sm := ServiceMetrics{
			CircuitState:     cb.State,
			Failures:         cb.Failures,
			FailureThreshold: cb.FailureThreshold,
			TotalInstances:   len(instances),
			Connections:      g.balancer.ServiceConnections(name),
		}
		for _, inst := range instances {
			if inst.Healthy {
				sm.HealthyInstances++
			}
		}
		snapshot.Services[name] = sm
	}

	c.JSON(http.StatusOK, snapshot)
}

func (g *Gateway) handleServices(c *gin.Context) {
	names := g.registry.Services()
	views := make([]ServiceView, 0, len(names))
	for _, name := range names {
		if view, ok := g.serviceView(name); ok {
			views = append(views, view)
		}
	}
	c.JSON(http.StatusOK, gin.H{"services": views})
}

func (g *Gateway) serviceView(name string) (ServiceView, bool) {
	def, ok := g.registry.Get(name)
	if !ok {
		return ServiceView{}, false
	}
	return ServiceView{
		Name:                def.Name,
		HealthCheckPath:     def.HealthCheckPath,
		HealthCheckProtocol: def.HealthCheckProtocol,
		Timeout:             def.Timeout.String(),
		Retries:             def.Retries,
		CircuitBreaker: CircuitBreakerView{
			FailureThreshold: def.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  def.CircuitBreaker.RecoveryTimeout.String(),
			MonitoringPeriod: def.CircuitBreaker.MonitoringPeriod.String(),
		},
		RateLimit: RateLimitView{
			Requests: def.RateLimit.Requests,
			Window:   def.RateLimit.Window.String(),
			Burst:    def.RateLimit.Burst,
		},
		Instances: g.registry.Instances(name),
	}, true
}

// requireAdmin guards the admin routes with the configured bearer token.
// With no token configured the admin API is disabled.
func (g *Gateway) requireAdmin(c *gin.Context) {
	token := g.Config().Admin.Token
	if token == "" {
		writeError(c, http.StatusForbidden, "admin API is disabled")
		return
	}

	presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
		c.Header("WWW-Authenticate", `Bearer realm="gateway-admin"`)
		writeError(c, http.StatusUnauthorized, "invalid admin token")
		return
	}

	c.Next()
}

func (g *Gateway) handleAddInstance(c *gin.Context) {
	service := c.Param("service")

	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "body must be {\"address\": \"host:port\"}")
		return
	}

	if err := g.registry.AddInstance(service, strings.TrimSpace(req.Address)); err != nil {
		writeRegistryError(c, err)
		return
	}

	g.logger.Info("instance added via admin API",
		observability.String("service", service),
		observability.String("instance", req.Address),
	)

	view, _ := g.serviceView(service)
	c.JSON(http.StatusCreated, view)
}

func (g *Gateway) handleRemoveInstance(c *gin.Context) {
	service := c.Param("service")
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		writeError(c, http.StatusBadRequest, "address query parameter is required")
		return
	}

	if err := g.registry.RemoveInstance(service, address); err != nil {
		writeRegistryError(c, err)
		return
	}

	g.logger.Info("instance removed via admin API",
		observability.String("service", service),
		observability.String("instance", address),
	)

	view, _ := g.serviceView(service)
	c.JSON(http.StatusOK, view)
}

func (g *Gateway) handleResetCircuit(c *gin.Context) {
	service := c.Param("service")
	if _, ok := g.registry.Get(service); !ok {
		writeError(c, http.StatusNotFound, fmt.Sprintf("service %q not found", service))
		return
	}

	g.breakers.Reset(service)
	g.logger.Info("circuit breaker reset via admin API",
		observability.String("service", service),
	)

	c.JSON(http.StatusOK, g.breakers.Snapshot(service))
}

func writeRegistryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrServiceNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrLastInstance):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidService):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, err.Error())
	}
}

// writeError renders the gateway's JSON error body and aborts the chain.
func writeError(c *gin.Context, status int, message string) {
	util.WriteError(c.Writer, status, message, observability.RequestIDFromContext(c.Request.Context()))
	c.Abort()
}
