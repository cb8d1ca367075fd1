// Package proxy forwards a single HTTP request to one backend instance.
//
// The Forwarder performs one attempt against one target. Target
// selection, retries and outcome bookkeeping belong to the dispatcher;
// the Forwarder only builds the outbound request, applies the per-call
// deadline and classifies failures.
//
// # Features
//
//   - Hop-by-hop header removal per RFC 7230, including headers named
//     in Connection
//   - X-Gateway-Version, X-Gateway-Service, X-Forwarded-For,
//     X-Forwarded-Proto and X-User-ID injection
//   - Trace context propagation to the backend
//   - Structured Error values wrapping ErrUpstreamTimeout or
//     ErrUpstreamUnavailable
//
// # Usage
//
//	fwd := proxy.NewForwarder(proxy.WithLogger(logger))
//	resp, err := fwd.Forward(ctx, &proxy.Request{
//	    Service: "documents",
//	    Version: "v1",
//	    Target:  "localhost:8002",
//	    Path:    "/files/42",
//	    Method:  http.MethodGet,
//	    Header:  r.Header,
//	    Timeout: 10 * time.Second,
//	})
//	if err != nil {
//	    // transport failure
//	}
//	defer resp.Close()
//	proxy.WriteResponse(w, resp)
package proxy
