// Package health runs the periodic active health checks of registered
// backend instances and aggregates their results into health reports.
//
// Every sweep checks all instances of all services concurrently. Each
// check is bounded by the service timeout, so one hanging instance never
// delays the others. HTTP services are probed with GET address+path and
// count as healthy on any 2xx status. Services configured with the grpc
// protocol are probed with the standard grpc.health.v1.Health/Check RPC.
//
// Results are written to the registry through UpdateInstanceHealth. A
// failed check is logged at debug level and retried by the next sweep.
//
//	checker := health.NewChecker(reg,
//	    health.WithInterval(30*time.Second),
//	    health.WithLogger(logger),
//	)
//	checker.Start(ctx)
//	defer checker.Stop()
package health
