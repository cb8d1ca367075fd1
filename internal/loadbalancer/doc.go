// Package loadbalancer selects a backend instance for each proxied request.
//
// Four strategies are supported:
//
//   - round-robin: a per-service counter modulo the healthy instance count
//   - least-connections: the instance with the fewest in-flight requests
//   - weighted-round-robin: a random draw weighted by success rate and
//     response time
//   - ip-hash: the client IP hashed onto the healthy instances
//
// Only healthy instances are ever returned. The in-flight connection
// counters are maintained for every strategy so that switching to
// least-connections at runtime starts from accurate data.
//
//	lb := loadbalancer.New(reg, loadbalancer.RoundRobin)
//	addr, ok := lb.GetTarget("docs", clientIP)
//	if !ok {
//	    // no healthy instance: respond 503
//	}
//	lb.IncrementConnections("docs", addr)
//	defer lb.DecrementConnections("docs", addr)
package loadbalancer
