// Package observability provides logging, metrics, and tracing
// for the service gateway.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("instance marked unhealthy",
//	    observability.String("service", "documents"),
//	    observability.String("instance", "10.0.0.5:8002"),
//	)
//
// # Metrics
//
// Gateway metrics live on a private Prometheus registry:
//
//	metrics := observability.NewMetrics("svcgw")
//	http.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export: one server span per
// request and one client span per upstream attempt. When tracing is
// disabled the tracer is a no-op and TracingMiddleware still propagates
// context.
package observability
