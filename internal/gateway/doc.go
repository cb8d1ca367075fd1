// Package gateway wires the service gateway together.
//
// The Dispatcher runs every proxied request through a fixed sequence of
// guards: path and API version, global and per-client rate limits,
// authentication, service lookup, circuit breaker and load balancer.
// Each guard rejects immediately; later guards are never evaluated for a
// rejected request. Accepted requests are forwarded to the selected
// instance and transport failures are retried on other instances up to
// the service's retry count.
//
// The Gateway owns the shared components, serves the /gateway/*
// introspection and admin routes through gin, runs the background health
// sweep and rate-limit cleanup, and applies configuration reloads.
//
// # Usage
//
//	gw, err := gateway.New(cfg,
//	    gateway.WithLogger(logger),
//	    gateway.WithMetrics(metrics),
//	)
//	if err != nil {
//	    return err
//	}
//
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(ctx)
//
// # Configuration Reload
//
//	if err := gw.Reload(newConfig); err != nil {
//	    logger.Error("reload failed", observability.Error(err))
//	}
package gateway
