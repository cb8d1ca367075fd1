package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Headers injected into proxied requests.
const (
	HeaderGatewayVersion = "X-Gateway-Version"
	HeaderGatewayService = "X-Gateway-Service"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderUserID         = "X-User-ID"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 5 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 64
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// AttemptRecorder receives the outcome of every forwarding attempt.
type AttemptRecorder interface {
	RecordProxyAttempt(service, outcome string)
}

// Request describes one forwarding attempt.
type Request struct {
	Header http.Header

	// Body is buffered so the attempt can be replayed.
	Body []byte

	Service string
	Version string

	// Target is the instance address, host:port or URL.
	Target string

	// Path is the path after the service segment.
	Path     string
	RawQuery string
	Method   string
	ClientIP string

	// Proto is the scheme seen by the client.
	Proto   string
	UserID  string
	Timeout time.Duration

	// Attempt is 0 for the first try and counts re-attempts.
	Attempt int
}

// Response is an upstream response. Close must be called; it releases
// the per-call deadline.
type Response struct {
	*http.Response
	Target   string
	Duration time.Duration
	cancel   context.CancelFunc
}

// Close closes the body and cancels the attempt context.
func (r *Response) Close() error {
	err := r.Body.Close()
	r.cancel()
	return err
}

// Forwarder sends requests to backend instances.
type Forwarder struct {
	transport http.RoundTripper
	logger    observability.Logger
	recorder  AttemptRecorder
}

// Option is a functional option for configuring the Forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger for the forwarder.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithTransport sets the transport for the forwarder.
func WithTransport(transport http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.transport = transport
	}
}

// WithRecorder sets the attempt recorder.
func WithRecorder(recorder AttemptRecorder) Option {
	return func(f *Forwarder) {
		f.recorder = recorder
	}
}

// NewTransport returns the pooled transport used for backend calls.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

// NewForwarder creates a new Forwarder.
func NewForwarder(opts ...Option) *Forwarder {
	f := &Forwarder{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.transport == nil {
		f.transport = NewTransport()
	}

	return f
}

// Forward performs one attempt. A transport failure, including a timeout,
// is returned as *Error; any HTTP response, whatever its status, is
// returned as a Response.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Response, error) {
	target, err := url.Parse(util.BaseURL(req.Target))
	if err != nil || target.Host == "" {
		return nil, &Error{
			Op:      "parse_target",
			Service: req.Service,
			Target:  req.Target,
			Kind:    ErrInvalidTarget,
			Cause:   err,
		}
	}

	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	ctx, span := observability.StartForwardSpan(ctx, req.Service, req.Target, req.Attempt)

	out, err := newOutboundRequest(ctx, target, req)
	if err != nil {
		cancel()
		observability.EndForwardSpan(span, 0, err)
		return nil, &Error{
			Op:      "build_request",
			Service: req.Service,
			Target:  req.Target,
			Kind:    ErrInvalidTarget,
			Cause:   err,
		}
	}

	start := time.Now()
	resp, err := f.transport.RoundTrip(out)
	duration := time.Since(start)
	if err != nil {
		cancel()
		observability.EndForwardSpan(span, 0, err)
		f.record(req.Service, observability.OutcomeTransportError)
		perr := newError("round_trip", req.Service, req.Target, err)
		f.logger.Warn("upstream request failed",
			observability.String("service", req.Service),
			observability.String("target", req.Target),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
		return nil, perr
	}

	outcome := observability.OutcomeSuccess
	if resp.StatusCode >= http.StatusInternalServerError {
		outcome = observability.OutcomeHTTPError
	}
	f.record(req.Service, outcome)
	observability.EndForwardSpan(span, resp.StatusCode, nil)

	return &Response{
		Response: resp,
		Target:   req.Target,
		Duration: duration,
		cancel:   cancel,
	}, nil
}

func (f *Forwarder) record(service, outcome string) {
	if f.recorder != nil {
		f.recorder.RecordProxyAttempt(service, outcome)
	}
}

// newOutboundRequest builds the request sent to target.
func newOutboundRequest(ctx context.Context, target *url.URL, req *Request) (*http.Request, error) {
	u := *target
	u.Path = joinPath(target.Path, req.Path)
	u.RawPath = ""
	u.RawQuery = req.RawQuery

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	if req.Header != nil {
		out.Header = req.Header.Clone()
	}
	removeHopHeaders(out.Header)

	// Identity headers are only ever set by the gateway. Callers may hand
	// over non-canonical keys, which Header.Del would miss.
	for key := range out.Header {
		if strings.EqualFold(key, HeaderUserID) {
			delete(out.Header, key)
		}
	}
	if req.UserID != "" {
		out.Header.Set(HeaderUserID, req.UserID)
	}

	out.Header.Set(HeaderGatewayVersion, req.Version)
	out.Header.Set(HeaderGatewayService, req.Service)

	if req.ClientIP != "" {
		forwarded := req.ClientIP
		if prior := out.Header.Values(HeaderForwardedFor); len(prior) > 0 {
			forwarded = strings.Join(prior, ", ") + ", " + req.ClientIP
		}
		out.Header.Set(HeaderForwardedFor, forwarded)
	}

	proto := req.Proto
	if proto == "" {
		proto = "http"
	}
	out.Header.Set(HeaderForwardedProto, proto)

	out.Host = target.Host
	observability.InjectTraceContext(ctx, out)

	return out, nil
}

// joinPath appends path to the base path of the target.
func joinPath(base, path string) string {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(base, "/") + path
}

// removeHopHeaders drops hop-by-hop headers, including the ones listed
// in the Connection header.
func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// WriteResponse copies an upstream response to w. Hop-by-hop headers are
// not forwarded. It returns the number of body bytes written.
func WriteResponse(w http.ResponseWriter, resp *Response) (int64, error) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	removeHopHeaders(header)

	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return 0, nil
	}

	if isStreaming(resp.Response) {
		return copyFlushing(w, resp.Body)
	}
	return io.Copy(w, resp.Body)
}

func isStreaming(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") ||
		resp.ContentLength == -1 && resp.Header.Get("Content-Length") == "" && len(resp.TransferEncoding) > 0
}

// copyFlushing flushes after every chunk so server-sent events reach
// the client without buffering.
func copyFlushing(w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			_ = rc.Flush()
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
