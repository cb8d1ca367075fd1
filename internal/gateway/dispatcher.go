package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/auth"
	"github.com/vyrodovalexey/svcgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgw/internal/loadbalancer"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/proxy"
	"github.com/vyrodovalexey/svcgw/internal/ratelimit"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/retry"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// APIPrefix is the path prefix of proxied requests.
const APIPrefix = "/api/"

// DispatchRecorder receives the rejections and retries of the dispatch
// path. *observability.Metrics satisfies it.
type DispatchRecorder interface {
	RecordRateLimitRejection(service, reason string)
	RecordAuthFailure(service, reason string)
	RecordProxyRetry(service string)
}

// apiPath is a parsed /api/{version}/{service}/{rest} path.
type apiPath struct {
	version string
	service string
	rest    string
}

// parseAPIPath splits a request path. rest keeps its leading slash and is
// "/" when the path ends at the service segment. Dot segments are
// rejected anywhere, including ones that arrived percent-encoded, so the
// path that auth exemptions see is the path the backend receives.
func parseAPIPath(path string) (apiPath, error) {
	if hasDotSegment(path) {
		return apiPath{}, fmt.Errorf("%w: dot segment in %s", ErrMalformedPath, path)
	}

	trimmed, ok := strings.CutPrefix(path, APIPrefix)
	if !ok {
		return apiPath{}, fmt.Errorf("%w: %s", ErrMalformedPath, path)
	}

	version, remainder, ok := strings.Cut(trimmed, "/")
	if !ok || version == "" {
		return apiPath{}, fmt.Errorf("%w: %s", ErrMalformedPath, path)
	}

	service, rest, _ := strings.Cut(remainder, "/")
	if service == "" {
		return apiPath{}, fmt.Errorf("%w: %s", ErrMalformedPath, path)
	}

	return apiPath{version: version, service: service, rest: "/" + rest}, nil
}

func hasDotSegment(path string) bool {
	for segment := range strings.SplitSeq(path, "/") {
		if segment == "." || segment == ".." {
			return true
		}
	}
	return false
}

// Dispatcher runs the ordered guards of the proxied request path and
// forwards accepted requests.
type Dispatcher struct {
	registry  *registry.Registry
	breakers  *circuitbreaker.Manager
	balancer  *loadbalancer.LoadBalancer
	limiter   *ratelimit.Limiter
	global    *ratelimit.GlobalLimiter
	forwarder *proxy.Forwarder
	policy    *policyHolder
	recorder  DispatchRecorder
	logger    observability.Logger
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, meta := util.EnsureRequestMeta(r.Context())
	r = r.WithContext(ctx)
	requestID := observability.RequestIDFromContext(ctx)

	target, err := parseAPIPath(r.URL.Path)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "expected /api/{version}/{service}/{path}", requestID)
		return
	}
	meta.SetVersion(target.version)

	policy := d.policy.Load()
	if !policy.supportsVersion(target.version) {
		util.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported API version %q", target.version), requestID)
		return
	}

	clientIP := clientAddress(r)

	if ok, retryAfter := d.global.Allow(); !ok {
		d.rejectRateLimited(w, target.service, ratelimit.ReasonGlobal, retryAfter, requestID)
		return
	}
	if decision := d.limiter.Allow(clientIP, target.service); !decision.Allowed {
		d.rejectRateLimited(w, target.service, decision.Reason, decision.RetryAfter, requestID)
		return
	}

	var userID string
	if !policy.exemptions.Matches(target.service, target.rest, r.Method) {
		identity, err := authenticate(ctx, policy.authenticator, r)
		if err != nil {
			d.rejectUnauthorized(ctx, w, target.service, err, requestID)
			return
		}
		if identity != nil {
			ctx = auth.ContextWithIdentity(ctx, identity)
			r = r.WithContext(ctx)
			if !auth.IsAllowAll(policy.authenticator) {
				userID = identity.Subject
			}
		}
	}

	def, ok := d.registry.Get(target.service)
	if !ok {
		util.WriteError(w, http.StatusNotFound,
			fmt.Sprintf("service %q not found", target.service), requestID)
		return
	}
	meta.SetService(def.Name)

	if !d.breakers.IsAvailable(def.Name) {
		w.Header().Set("Retry-After", strconv.Itoa(d.breakerRetryAfter(def.Name)))
		util.WriteError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("circuit breaker open for service %q", def.Name), requestID)
		return
	}

	first, ok := d.balancer.GetTarget(def.Name, clientIP)
	if !ok {
		util.WriteError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("no healthy instance of service %q", def.Name), requestID)
		return
	}

	body, err := readBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			util.WriteError(w, http.StatusRequestEntityTooLarge,
				"request body exceeds the configured limit", requestID)
			return
		}
		util.WriteError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	req := &proxy.Request{
		Header:   r.Header,
		Body:     body,
		Service:  def.Name,
		Version:  target.version,
		Path:     target.rest,
		RawQuery: r.URL.RawQuery,
		Method:   r.Method,
		ClientIP: clientIP,
		Proto:    forwardedProto(r),
		UserID:   userID,
		Timeout:  def.Timeout,
	}

	resp, err := d.forward(ctx, def, req, first, clientIP)
	if err != nil {
		// The retry loop reports the last attempt's error even when the
		// client left during a backoff.
		if ctx.Err() != nil {
			d.logger.WithContext(ctx).Debug("client went away before upstream responded",
				observability.String("service", def.Name),
			)
			return
		}
		d.breakers.RecordResult(def.Name, false)
		message := "upstream request failed"
		if proxy.IsTimeout(err) {
			message = "upstream request timed out"
		}
		util.WriteError(w, http.StatusBadGateway, message, requestID)
		return
	}
	defer d.balancer.DecrementConnections(def.Name, resp.Target)
	defer func() { _ = resp.Close() }()

	meta.SetInstance(resp.Target)
	d.breakers.RecordResult(def.Name, resp.StatusCode >= 200 && resp.StatusCode < 300)

	if _, err := proxy.WriteResponse(w, resp); err != nil {
		d.logger.WithContext(ctx).Debug("failed to copy upstream response",
			observability.String("service", def.Name),
			observability.String("instance", resp.Target),
			observability.Error(err),
		)
	}
}

// forward tries target first and, on transport failure, further
// instances not yet tried until the retry budget is spent. The returned
// response holds one connection slot on its target; the caller releases
// it once the response is written.
func (d *Dispatcher) forward(
	ctx context.Context,
	def registry.ServiceDefinition,
	req *proxy.Request,
	target, clientIP string,
) (*proxy.Response, error) {
	var (
		resp    *proxy.Response
		lastErr error
		failed  []string
	)

	attempt := func(n int) error {
		if n > 0 {
			next, ok := d.balancer.GetTarget(def.Name, clientIP, failed...)
			if !ok {
				return errNoRetryTarget
			}
			target = next
		}
		req.Target = target
		req.Attempt = n

		d.balancer.IncrementConnections(def.Name, target)
		res, err := d.forwarder.Forward(ctx, req)
		if err != nil {
			d.balancer.DecrementConnections(def.Name, target)
			if !errors.Is(err, context.Canceled) {
				d.registry.UpdateInstanceHealth(def.Name, target, false, 0)
			}
			failed = append(failed, target)
			lastErr = err
			return err
		}

		d.registry.UpdateInstanceHealth(def.Name, target, true, res.Duration)
		resp = res
		return nil
	}

	err := retry.ForService(def).Do(ctx, attempt, retry.Hooks{
		Retryable: retry.IsTransient,
		BeforeRetry: func(n int, err error, backoff time.Duration) {
			if d.recorder != nil {
				d.recorder.RecordProxyRetry(def.Name)
			}
			d.logger.WithContext(ctx).Debug("retrying upstream request",
				observability.String("service", def.Name),
				observability.Int("attempt", n),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		if errors.Is(err, errNoRetryTarget) && lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return resp, nil
}

// serviceLabel bounds metric cardinality for rejections that happen
// before the registry lookup.
func (d *Dispatcher) serviceLabel(service string) string {
	if _, ok := d.registry.Get(service); ok {
		return service
	}
	return observability.UnmatchedService
}

func (d *Dispatcher) rejectRateLimited(w http.ResponseWriter, service, reason string, retryAfter int, requestID string) {
	if d.recorder != nil {
		d.recorder.RecordRateLimitRejection(d.serviceLabel(service), reason)
	}
	d.logger.Debug("request rate limited",
		observability.String("service", service),
		observability.String("reason", reason),
		observability.Int("retry_after", retryAfter),
	)

	w.Header().Set("Retry-After", strconv.Itoa(max(1, retryAfter)))
	util.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", requestID)
}

func (d *Dispatcher) rejectUnauthorized(
	ctx context.Context,
	w http.ResponseWriter,
	service string,
	err error,
	requestID string,
) {
	reason := auth.Reason(err)
	if d.recorder != nil {
		d.recorder.RecordAuthFailure(d.serviceLabel(service), reason)
	}
	d.logger.WithContext(ctx).Debug("request not authenticated",
		observability.String("service", service),
		observability.String("reason", reason),
		observability.Error(err),
	)

	w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
	message := "invalid or expired token"
	switch reason {
	case auth.ReasonMissing:
		message = "missing bearer token"
	case auth.ReasonUnavailable:
		message = "token verification unavailable"
	}
	util.WriteError(w, http.StatusUnauthorized, message, requestID)
}

// breakerRetryAfter returns the whole seconds until an open breaker
// allows a probe, at least 1.
func (d *Dispatcher) breakerRetryAfter(service string) int {
	snap := d.breakers.Snapshot(service)
	def, _ := d.registry.Get(service)
	remaining := time.Until(snap.OpenedAt.Add(def.CircuitBreaker.RecoveryTimeout))
	if remaining <= 0 {
		return 1
	}
	return int((remaining + time.Second - 1) / time.Second)
}

func authenticate(ctx context.Context, a auth.Authenticator, r *http.Request) (*auth.Identity, error) {
	if auth.IsAllowAll(a) {
		return a.Authenticate(ctx, "")
	}
	token, err := auth.BearerToken(r)
	if err != nil {
		return nil, err
	}
	return a.Authenticate(ctx, token)
}

// readBody buffers the request body so it can be replayed on retries.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

// clientAddress returns the client IP resolved by the ClientIP middleware,
// falling back to the connection's remote address.
func clientAddress(r *http.Request) string {
	if ip := util.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
