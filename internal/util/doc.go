// Package util provides small helpers shared across the gateway.
//
// # Error Conventions
//
// The project follows one error pattern across all packages:
//
//   - Sentinel errors (errors.New) for stable conditions that callers
//     check with errors.Is(), for example registry.ErrServiceNotFound.
//   - Structured error types for errors that carry fields
//     (proxy.Error, config.ValidationError). Each implements Error(),
//     Unwrap() when wrapping, and Is().
//   - fmt.Errorf with %w for ad-hoc context on an existing error.
//
// # Request Metadata
//
// Outer middleware installs a mutable RequestMeta in the context so that
// the dispatcher can report the resolved service back to metrics, tracing
// and access logging:
//
//	ctx, meta := util.EnsureRequestMeta(r.Context())
//	next.ServeHTTP(w, r.WithContext(ctx))
//	service := meta.Service()
package util
