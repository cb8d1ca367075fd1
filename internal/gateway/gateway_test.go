package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/loadbalancer"
)

const testJWTSecret = "gateway-test-secret-long-enough-for-hs256"

type echoed struct {
	Backend string      `json:"backend"`
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Query   string      `json:"query"`
	Body    string      `json:"body"`
	Headers http.Header `json:"headers"`
}

type backend struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func (b *backend) addr() string {
	return strings.TrimPrefix(b.srv.URL, "http://")
}

// newBackend starts an upstream that echoes the request it received.
func newBackend(t *testing.T, name string) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", name)
		_ = json.NewEncoder(w).Encode(echoed{
			Backend: name,
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.RawQuery,
			Body:    string(body),
			Headers: r.Header,
		})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// newStatusBackend starts an upstream that always answers with status.
func newStatusBackend(t *testing.T, status int) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		b.hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// deadAddress returns a loopback address nothing listens on.
func deadAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func svc(name string, retries int, instances ...string) config.ServiceConfig {
	return config.ServiceConfig{Name: name, Instances: instances, Retries: &retries}
}

func testConfig(mutate func(*config.GatewayConfig), services ...config.ServiceConfig) *config.GatewayConfig {
	cfg := &config.GatewayConfig{Services: services}
	cfg.Gateway.Listen = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}
	cfg.SetDefaults()
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.GatewayConfig) *Gateway {
	t.Helper()
	gw, err := New(cfg)
	require.NoError(t, err)
	return gw
}

func do(gw *Gateway, method, target string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "192.0.2.10:40000"
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEcho(t *testing.T, rec *httptest.ResponseRecorder) echoed {
	t.Helper()
	var e echoed
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return tok
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	cfg := testConfig(nil, svc("docs", 0))
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = testConfig(func(c *config.GatewayConfig) {
		c.Auth.Exemptions = []string{"service =="}
	}, svc("docs", 0, "127.0.0.1:1"))
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDispatch_ForwardsRequest(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(nil, svc("documents", 0, b.addr())))

	rec := do(gw, http.MethodPost, "/api/v1/documents/items/42?q=1&sort=asc",
		strings.NewReader(`{"title":"x"}`),
		"Content-Type", "application/json",
		"X-User-ID", "spoofed",
		"Connection", "keep-alive",
	)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "A", rec.Header().Get("X-Backend"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	e := decodeEcho(t, rec)
	assert.Equal(t, http.MethodPost, e.Method)
	assert.Equal(t, "/items/42", e.Path)
	assert.Equal(t, "q=1&sort=asc", e.Query)
	assert.Equal(t, `{"title":"x"}`, e.Body)
	assert.Equal(t, "v1", e.Headers.Get("X-Gateway-Version"))
	assert.Equal(t, "documents", e.Headers.Get("X-Gateway-Service"))
	assert.Equal(t, "192.0.2.10", e.Headers.Get("X-Forwarded-For"))
	assert.Equal(t, "http", e.Headers.Get("X-Forwarded-Proto"))
	assert.Empty(t, e.Headers.Get("X-User-ID"), "anonymous requests carry no user id")
	assert.NotEmpty(t, e.Headers.Get("X-Request-ID"))

	insts := gw.Registry().Instances("documents")
	require.Len(t, insts, 1)
	assert.Equal(t, int64(1), insts[0].Successes)
	assert.Equal(t, circuitbreaker.StateClosed, gw.Breakers().Snapshot("documents").State)
}

func TestDispatch_ServiceRootPath(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(nil, svc("documents", 0, b.addr())))

	rec := do(gw, http.MethodGet, "/api/v1/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/", decodeEcho(t, rec).Path)
}

func TestDispatch_Rejections(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(nil, svc("documents", 0, b.addr())))

	tests := []struct {
		name   string
		target string
		status int
	}{
		{name: "missing service", target: "/api/v1", status: http.StatusBadRequest},
		{name: "empty service", target: "/api/v1/", status: http.StatusBadRequest},
		{name: "bare prefix", target: "/api", status: http.StatusBadRequest},
		{name: "unsupported version", target: "/api/v2/documents/x", status: http.StatusBadRequest},
		{name: "unknown service", target: "/api/v1/billing/x", status: http.StatusNotFound},
		{name: "outside api", target: "/elsewhere", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		rec := do(gw, http.MethodGet, tt.target, nil)
		assert.Equal(t, tt.status, rec.Code, tt.name)
		body := errorBody(t, rec)
		assert.NotEmpty(t, body["error"], tt.name)
		assert.NotEmpty(t, body["message"], tt.name)
		assert.NotEmpty(t, body["requestId"], tt.name)
	}
	assert.Zero(t, b.hits.Load())
}

func TestDispatch_RateLimited(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "A")
	noBurst := 0
	s := svc("documents", 0, b.addr())
	s.RateLimit = &config.RateLimitConfig{
		Requests: 2,
		Window:   config.Duration(time.Minute),
		Burst:    &noBurst,
	}
	gw := newTestGateway(t, testConfig(nil, s))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(gw, http.MethodGet, "/api/v1/documents/x", nil).Code)
	}

	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(2), b.hits.Load())
}

func TestDispatch_GlobalRateLimit(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(func(c *config.GatewayConfig) {
		c.Gateway.GlobalRateLimit = config.GlobalRateLimit{Enabled: true, RPS: 0.001, Burst: 1}
	}, svc("documents", 0, b.addr())))

	require.Equal(t, http.StatusOK, do(gw, http.MethodGet, "/api/v1/documents/x", nil).Code)

	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestDispatch_Authentication(t *testing.T) {
	t.Parallel()

	docs := newBackend(t, "docs")
	authSvc := newBackend(t, "auth")
	gw := newTestGateway(t, testConfig(func(c *config.GatewayConfig) {
		c.Auth.Mode = config.AuthModeJWT
		c.Auth.JWT.Secret = testJWTSecret
		c.Auth.Exemptions = []string{`service == "documents" && method == "OPTIONS"`}
	}, svc("documents", 0, docs.addr()), svc("auth", 0, authSvc.addr())))

	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Equal(t, "missing bearer token", errorBody(t, rec)["message"])

	rec = do(gw, http.MethodGet, "/api/v1/documents/x", nil, "Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, docs.hits.Load())

	rec = do(gw, http.MethodGet, "/api/v1/documents/x", nil,
		"Authorization", "Bearer "+signToken(t, "user-7"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "user-7", decodeEcho(t, rec).Headers.Get("X-User-ID"))

	// Public endpoints of the auth service and custom rules need no token.
	assert.Equal(t, http.StatusOK, do(gw, http.MethodPost, "/api/v1/auth/login", nil).Code)
	assert.Equal(t, http.StatusOK, do(gw, http.MethodGet, "/api/v1/auth/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(gw, http.MethodGet, "/api/v1/auth/profile", nil).Code)
	assert.Equal(t, http.StatusOK, do(gw, http.MethodOptions, "/api/v1/documents/x", nil).Code)
}

func TestDispatch_PublicAuthEndpointsCannotBeWidened(t *testing.T) {
	t.Parallel()

	authSvc := newBackend(t, "auth")
	gw := newTestGateway(t, testConfig(func(c *config.GatewayConfig) {
		c.Auth.Mode = config.AuthModeJWT
		c.Auth.JWT.Secret = testJWTSecret
	}, svc("auth", 0, authSvc.addr())))

	tests := []struct {
		path string
		want int
	}{
		{path: "/api/v1/auth/login", want: http.StatusOK},
		{path: "/api/v1/auth/login/otp", want: http.StatusOK},
		{path: "/api/v1/auth/loginAdmin", want: http.StatusUnauthorized},
		{path: "/api/v1/auth/healthz", want: http.StatusUnauthorized},
		{path: "/api/v1/auth/login/../profile", want: http.StatusBadRequest},
		{path: "/api/v1/auth/login%2F..%2Fprofile", want: http.StatusBadRequest},
		{path: "/api/v1/auth/health/../admin/users", want: http.StatusBadRequest},
		{path: "/api/v1/auth/./profile", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		rec := do(gw, http.MethodGet, tt.path, nil)
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}
	assert.Equal(t, int64(2), authSvc.hits.Load())

	rec := do(gw, http.MethodGet, "/api/v1/auth/login/otp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/login/otp", decodeEcho(t, rec).Path)
}

func TestDispatch_AuthRunsBeforeServiceLookup(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, testConfig(func(c *config.GatewayConfig) {
		c.Auth.Mode = config.AuthModeJWT
		c.Auth.JWT.Secret = testJWTSecret
	}, svc("documents", 0, "127.0.0.1:1")))

	assert.Equal(t, http.StatusUnauthorized, do(gw, http.MethodGet, "/api/v1/unknown/x", nil).Code)
}

func TestDispatch_OpenCircuitShortCircuits(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "ai")
	s := svc("ai", 0, b.addr())
	s.CircuitBreaker = &config.CircuitBreakerConfig{FailureThreshold: 5}
	gw := newTestGateway(t, testConfig(nil, s))

	for i := 0; i < 5; i++ {
		gw.Breakers().RecordResult("ai", false)
	}

	rec := do(gw, http.MethodGet, "/api/v1/ai/generate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, errorBody(t, rec)["message"], "circuit breaker open")
	assert.Zero(t, b.hits.Load(), "no outbound call while the circuit is open")
}

func TestDispatch_NoHealthyInstance(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(nil, svc("documents", 0, b.addr())))
	gw.Registry().UpdateInstanceHealth("documents", b.addr(), false, 0)

	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, errorBody(t, rec)["message"], "no healthy instance")
	assert.Zero(t, b.hits.Load())
}

func TestDispatch_RoundRobinAcrossInstances(t *testing.T) {
	t.Parallel()

	a := newBackend(t, "A")
	b := newBackend(t, "B")
	gw := newTestGateway(t, testConfig(nil, svc("docs", 0, a.addr(), b.addr())))

	var seen []string
	for i := 0; i < 4; i++ {
		rec := do(gw, http.MethodGet, "/api/v1/docs/x", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		seen = append(seen, rec.Header().Get("X-Backend"))
	}
	assert.Equal(t, seen[0], seen[2])
	assert.Equal(t, seen[1], seen[3])
	assert.NotEqual(t, seen[0], seen[1])

	gw.Registry().UpdateInstanceHealth("docs", a.addr(), false, 0)
	for i := 0; i < 3; i++ {
		rec := do(gw, http.MethodGet, "/api/v1/docs/x", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "B", rec.Header().Get("X-Backend"))
	}
}

func TestDispatch_RetriesOnTransportFailure(t *testing.T) {
	t.Parallel()

	dead := deadAddress(t)
	live := newBackend(t, "live")
	s := svc("documents", 1, dead, live.addr())
	s.RetryBackoff = config.Duration(time.Millisecond)
	gw := newTestGateway(t, testConfig(nil, s))

	// Round-robin reaches the dead instance within two requests; the
	// retry moves that request to the live one.
	for i := 0; i < 2; i++ {
		rec := do(gw, http.MethodPut, "/api/v1/documents/x", strings.NewReader("payload"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "payload", decodeEcho(t, rec).Body, "body replayed on retry")
	}

	for _, inst := range gw.Registry().Instances("documents") {
		if inst.Address == dead {
			assert.False(t, inst.Healthy)
			assert.Equal(t, int64(1), inst.Failures)
		} else {
			assert.True(t, inst.Healthy)
		}
	}
	assert.Zero(t, gw.Breakers().Snapshot("documents").Failures, "the request succeeded overall")
}

func TestDispatch_ClientGoneDuringRetryBackoff(t *testing.T) {
	t.Parallel()

	s := svc("documents", 1, deadAddress(t), deadAddress(t))
	s.RetryBackoff = config.Duration(time.Second)
	gw := newTestGateway(t, testConfig(nil, s))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/x", nil).WithContext(ctx)
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	start := time.Now()
	gw.Handler().ServeHTTP(rec, req)

	assert.Less(t, time.Since(start), 900*time.Millisecond, "backoff must stop when the client leaves")
	assert.Empty(t, rec.Body.String(), "nothing is written for a departed client")
	assert.Zero(t, gw.Breakers().Snapshot("documents").Failures)
}

func TestDispatch_TransportFailureWithoutRetries(t *testing.T) {
	t.Parallel()

	dead := deadAddress(t)
	gw := newTestGateway(t, testConfig(nil, svc("documents", 0, dead)))

	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream request failed", errorBody(t, rec)["message"])

	assert.Equal(t, 1, gw.Breakers().Snapshot("documents").Failures)
	insts := gw.Registry().Instances("documents")
	require.Len(t, insts, 1)
	assert.False(t, insts[0].Healthy)
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	t.Parallel()

	s := svc("documents", 3, deadAddress(t), deadAddress(t))
	s.RetryBackoff = config.Duration(time.Millisecond)
	gw := newTestGateway(t, testConfig(nil, s))

	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1, gw.Breakers().Snapshot("documents").Failures, "one breaker failure per request")
	for _, inst := range gw.Registry().Instances("documents") {
		assert.False(t, inst.Healthy, inst.Address)
	}
}

func TestDispatch_ServerErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	b := newStatusBackend(t, http.StatusInternalServerError)
	other := newStatusBackend(t, http.StatusInternalServerError)
	gw := newTestGateway(t, testConfig(nil, svc("documents", 2, b.addr(), other.addr())))

	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int64(1), b.hits.Load()+other.hits.Load())
	assert.Equal(t, 1, gw.Breakers().Snapshot("documents").Failures)

	for _, inst := range gw.Registry().Instances("documents") {
		assert.True(t, inst.Healthy, "a response proves the instance is reachable")
	}
}

func TestDispatch_ClientErrorCountsAsBreakerFailure(t *testing.T) {
	t.Parallel()

	b := newStatusBackend(t, http.StatusNotFound)
	s := svc("documents", 0, b.addr())
	s.CircuitBreaker = &config.CircuitBreakerConfig{FailureThreshold: 2}
	gw := newTestGateway(t, testConfig(nil, s))

	assert.Equal(t, http.StatusNotFound, do(gw, http.MethodGet, "/api/v1/documents/x", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(gw, http.MethodGet, "/api/v1/documents/x", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(gw, http.MethodGet, "/api/v1/documents/x", nil).Code)
	assert.Equal(t, int64(2), b.hits.Load())
}

func TestDispatch_UpstreamTimeout(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	s := svc("documents", 0, strings.TrimPrefix(slow.URL, "http://"))
	s.Timeout = config.Duration(50 * time.Millisecond)
	gw := newTestGateway(t, testConfig(nil, s))

	start := time.Now()
	rec := do(gw, http.MethodGet, "/api/v1/documents/x", nil)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream request timed out", errorBody(t, rec)["message"])
}

func TestDispatch_BodyTooLarge(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(func(c *config.GatewayConfig) {
		c.Gateway.MaxBodyBytes = 8
	}, svc("documents", 0, b.addr())))

	rec := do(gw, http.MethodPost, "/api/v1/documents/x", strings.NewReader("0123456789"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/x", io.NopCloser(strings.NewReader("0123456789")))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Zero(t, b.hits.Load())
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	a := newBackend(t, "A")
	b := newBackend(t, "B")
	gw := newTestGateway(t, testConfig(nil, svc("docs", 0, a.addr()), svc("search", 0, b.addr())))

	rec := do(gw, http.MethodGet, "/gateway/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	gw.Registry().UpdateInstanceHealth("search", b.addr(), false, 0)

	rec = do(gw, http.MethodGet, "/gateway/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusOK, do(gw, http.MethodGet, "/gateway/health/docs", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(gw, http.MethodGet, "/gateway/health/search", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(gw, http.MethodGet, "/gateway/health/billing", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	a := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(nil, svc("docs", 0, a.addr())))
	require.Equal(t, http.StatusOK, do(gw, http.MethodGet, "/api/v1/docs/x", nil).Code)
	gw.Breakers().RecordResult("docs", false)

	rec := do(gw, http.MethodGet, "/gateway/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, string(loadbalancer.RoundRobin), snap.LoadBalancing)
	require.Contains(t, snap.Services, "docs")
	docs := snap.Services["docs"]
	assert.Equal(t, circuitbreaker.StateClosed, docs.CircuitState)
	assert.Equal(t, 1, docs.Failures)
	assert.Equal(t, 1, docs.HealthyInstances)
	assert.Equal(t, 1, docs.TotalInstances)
	assert.Equal(t, 1, snap.RateLimiter.TrackedClients)
	assert.False(t, snap.GlobalRateLimit)
}

func TestServicesEndpoint(t *testing.T) {
	t.Parallel()

	a := newBackend(t, "A")
	s := svc("docs", 2, a.addr())
	s.Timeout = config.Duration(10 * time.Second)
	gw := newTestGateway(t, testConfig(nil, s))

	rec := do(gw, http.MethodGet, "/gateway/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Services []ServiceView `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Services, 1)
	view := body.Services[0]
	assert.Equal(t, "docs", view.Name)
	assert.Equal(t, "10s", view.Timeout)
	assert.Equal(t, 2, view.Retries)
	assert.Equal(t, "/health", view.HealthCheckPath)
	require.Len(t, view.Instances, 1)
	assert.Equal(t, a.addr(), view.Instances[0].Address)
	assert.True(t, view.Instances[0].Healthy)
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()

	a := newBackend(t, "A")
	b := newBackend(t, "B")
	gw := newTestGateway(t, testConfig(func(c *config.GatewayConfig) {
		c.Admin.Token = "s3cret"
	}, svc("docs", 0, a.addr())))
	admin := []string{"Authorization", "Bearer s3cret", "Content-Type", "application/json"}

	rec := do(gw, http.MethodPost, "/gateway/services/docs/instances", strings.NewReader(`{"address":"x"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(gw, http.MethodPost, "/gateway/services/docs/instances", strings.NewReader(`{"address":"x"}`),
		"Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(gw, http.MethodPost, "/gateway/services/docs/instances", strings.NewReader(`{}`), admin...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(gw, http.MethodPost, "/gateway/services/docs/instances",
		strings.NewReader(`{"address":"`+b.addr()+`"}`), admin...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, gw.Registry().Instances("docs"), 2)

	rec = do(gw, http.MethodPost, "/gateway/services/billing/instances",
		strings.NewReader(`{"address":"127.0.0.1:1"}`), admin...)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(gw, http.MethodDelete, "/gateway/services/docs/instances?address="+a.addr(), nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	insts := gw.Registry().Instances("docs")
	require.Len(t, insts, 1)
	assert.Equal(t, b.addr(), insts[0].Address)

	rec = do(gw, http.MethodDelete, "/gateway/services/docs/instances?address="+b.addr(), nil, admin...)
	assert.Equal(t, http.StatusConflict, rec.Code, "the last instance cannot be removed")

	rec = do(gw, http.MethodDelete, "/gateway/services/docs/instances", nil, admin...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 5; i++ {
		gw.Breakers().RecordResult("docs", false)
	}
	require.False(t, gw.Breakers().IsAvailable("docs"))

	rec = do(gw, http.MethodPost, "/gateway/services/docs/circuit/reset", nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gw.Breakers().IsAvailable("docs"))
	assert.Contains(t, rec.Body.String(), `"state":"CLOSED"`)

	rec = do(gw, http.MethodPost, "/gateway/services/billing/circuit/reset", nil, admin...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEndpoints_DisabledWithoutToken(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, testConfig(nil, svc("docs", 0, "127.0.0.1:1")))

	rec := do(gw, http.MethodPost, "/gateway/services/docs/circuit/reset", nil, "Authorization", "Bearer ")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReload(t *testing.T) {
	t.Parallel()

	a := newBackend(t, "A")
	b := newBackend(t, "B")
	gw := newTestGateway(t, testConfig(nil, svc("docs", 0, a.addr())))
	gw.Registry().UpdateInstanceHealth("docs", a.addr(), false, 0)

	next := testConfig(func(c *config.GatewayConfig) {
		c.Gateway.LoadBalancing = config.StrategyLeastConnections
		c.Gateway.APIVersions = []string{"v1", "v2"}
	}, svc("docs", 0, a.addr()), svc("search", 0, b.addr()))
	require.NoError(t, gw.Reload(next))

	assert.ElementsMatch(t, []string{"docs", "search"}, gw.Registry().Services())
	assert.Same(t, next, gw.Config())
	insts := gw.Registry().Instances("docs")
	require.Len(t, insts, 1)
	assert.False(t, insts[0].Healthy, "health of kept instances survives a reload")

	rec := do(gw, http.MethodGet, "/api/v2/search/x", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v2", decodeEcho(t, rec).Headers.Get("X-Gateway-Version"))

	invalid := testConfig(nil, svc("docs", 0))
	assert.ErrorIs(t, gw.Reload(invalid), ErrInvalidConfig)
	assert.ErrorIs(t, gw.Reload(nil), ErrNilConfig)
	assert.Same(t, next, gw.Config(), "a failed reload keeps the running configuration")

	require.NoError(t, gw.Reload(testConfig(nil, svc("search", 0, b.addr()))))
	assert.Equal(t, []string{"search"}, gw.Registry().Services())
	assert.Equal(t, http.StatusNotFound, do(gw, http.MethodGet, "/api/v1/docs/x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(gw, http.MethodGet, "/api/v2/search/x", nil).Code)
}

func TestReload_SwitchesAuthentication(t *testing.T) {
	t.Parallel()

	a := newBackend(t, "A")
	gw := newTestGateway(t, testConfig(nil, svc("docs", 0, a.addr())))
	require.Equal(t, http.StatusOK, do(gw, http.MethodGet, "/api/v1/docs/x", nil).Code)

	require.NoError(t, gw.Reload(testConfig(func(c *config.GatewayConfig) {
		c.Auth.Mode = config.AuthModeJWT
		c.Auth.JWT.Secret = testJWTSecret
	}, svc("docs", 0, a.addr()))))

	assert.Equal(t, http.StatusUnauthorized, do(gw, http.MethodGet, "/api/v1/docs/x", nil).Code)
}

func TestGateway_Lifecycle(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, testConfig(nil))
	assert.Equal(t, StateStopped, gw.State())
	assert.ErrorIs(t, gw.Stop(context.Background()), ErrGatewayNotRunning)

	ctx := context.Background()
	require.NoError(t, gw.Start(ctx))
	assert.True(t, gw.IsRunning())
	assert.Equal(t, "running", gw.State().String())
	assert.ErrorIs(t, gw.Start(ctx), ErrGatewayNotStopped)

	resp, err := http.Get("http://" + gw.Addr() + "/gateway/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Stop(stopCtx))
	assert.Equal(t, StateStopped, gw.State())
	assert.Equal(t, "127.0.0.1:0", gw.Addr())
}

func TestParseAPIPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		want    apiPath
		wantErr bool
	}{
		{path: "/api/v1/docs/a/b", want: apiPath{version: "v1", service: "docs", rest: "/a/b"}},
		{path: "/api/v1/docs/", want: apiPath{version: "v1", service: "docs", rest: "/"}},
		{path: "/api/v1/docs", want: apiPath{version: "v1", service: "docs", rest: "/"}},
		{path: "/api/v3/docs/a//b", want: apiPath{version: "v3", service: "docs", rest: "/a//b"}},
		{path: "/api/v1", wantErr: true},
		{path: "/api/v1/", wantErr: true},
		{path: "/api//docs", wantErr: true},
		{path: "/api/", wantErr: true},
		{path: "/v1/docs", wantErr: true},
		{path: "/api/v1/docs/a/../b", wantErr: true},
		{path: "/api/v1/docs/..", wantErr: true},
		{path: "/api/v1/docs/./a", wantErr: true},
		{path: "/api/../docs/a", wantErr: true},
		{path: "/api/v1/docs/a..b/.well-known", want: apiPath{version: "v1", service: "docs", rest: "/a..b/.well-known"}},
	}

	for _, tt := range tests {
		got, err := parseAPIPath(tt.path)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrMalformedPath, tt.path)
			continue
		}
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}
