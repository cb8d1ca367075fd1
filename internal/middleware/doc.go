// Package middleware provides the HTTP middleware wrapped around the
// gateway handlers.
//
// # Middleware Components
//
//   - RequestID: X-Request-ID propagation and generation
//   - Recovery: panic recovery with stack trace logging
//   - ClientIP: real client address resolution behind trusted proxies
//   - Logging: structured access log including the resolved service
//   - CORS: Cross-Origin Resource Sharing for browser clients
//   - BodyLimit: request body size limiting
//
// The dispatch pipeline itself (rate limiting, authentication, circuit
// breaking) is not middleware; it is the ordered guard sequence of the
// gateway Dispatcher.
//
// # Usage
//
//	handler := middleware.Chain(router,
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.ClientIP(extractor),
//	    middleware.Logging(logger),
//	)
package middleware
