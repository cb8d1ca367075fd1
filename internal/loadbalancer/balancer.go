package loadbalancer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
)

// Strategy names a target selection algorithm.
type Strategy string

// Supported strategies.
const (
	RoundRobin         Strategy = config.StrategyRoundRobin
	LeastConnections   Strategy = config.StrategyLeastConnections
	WeightedRoundRobin Strategy = config.StrategyWeightedRoundRobin
	IPHash             Strategy = config.StrategyIPHash
)

// ParseStrategy converts a configured strategy name. An empty name selects
// round-robin.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case "":
		return RoundRobin, nil
	case RoundRobin, LeastConnections, WeightedRoundRobin, IPHash:
		return s, nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", name)
	}
}

// InstanceSource supplies the healthy instances of a service.
type InstanceSource interface {
	HealthyInstances(service string) []registry.ServiceInstance
}

// ConnectionObserver receives in-flight connection gauges.
type ConnectionObserver interface {
	SetBackendConnections(service, instance string, n int64)
}

// LoadBalancer picks a healthy instance for each proxied request and keeps
// the in-flight connection counters all strategies share.
type LoadBalancer struct {
	source   InstanceSource
	strategy atomic.Value
	logger   observability.Logger
	observer ConnectionObserver
	random   func() float64

	counters sync.Map // service -> *atomic.Uint64

	connMu      sync.Mutex
	connections map[connKey]int64
}

type connKey struct {
	service string
	address string
}

// Option configures a LoadBalancer.
type Option func(*LoadBalancer)

// WithLogger sets the balancer logger.
func WithLogger(logger observability.Logger) Option {
	return func(lb *LoadBalancer) {
		lb.logger = logger
	}
}

// WithConnectionObserver sets the receiver of connection gauges.
func WithConnectionObserver(o ConnectionObserver) Option {
	return func(lb *LoadBalancer) {
		lb.observer = o
	}
}

// WithRandom overrides the source of uniform draws in [0, 1) used by the
// weighted strategy.
func WithRandom(random func() float64) Option {
	return func(lb *LoadBalancer) {
		lb.random = random
	}
}

// New creates a load balancer over source.
func New(source InstanceSource, strategy Strategy, opts ...Option) *LoadBalancer {
	lb := &LoadBalancer{
		source:      source,
		logger:      observability.NopLogger(),
		random:      secureRandomFloat,
		connections: make(map[connKey]int64),
	}
	if strategy == "" {
		strategy = RoundRobin
	}
	lb.strategy.Store(strategy)
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

// Strategy returns the active strategy.
func (lb *LoadBalancer) Strategy() Strategy {
	return lb.strategy.Load().(Strategy)
}

// SetStrategy switches the active strategy. Round-robin counters are kept.
func (lb *LoadBalancer) SetStrategy(s Strategy) {
	if s == "" {
		s = RoundRobin
	}
	if prev := lb.Strategy(); prev != s {
		lb.logger.Info("load balancing strategy changed",
			observability.String("from", string(prev)),
			observability.String("to", string(s)),
		)
	}
	lb.strategy.Store(s)
}

// GetTarget returns the address of a healthy instance of service, or false
// when none is available. clientKey is the real client IP and only matters
// for ip-hash. Addresses listed in exclude are skipped.
func (lb *LoadBalancer) GetTarget(service, clientKey string, exclude ...string) (string, bool) {
	candidates := lb.source.HealthyInstances(service)
	if len(exclude) > 0 {
		candidates = slices.DeleteFunc(candidates, func(inst registry.ServiceInstance) bool {
			return slices.Contains(exclude, inst.Address)
		})
	}
	if len(candidates) == 0 {
		return "", false
	}

	var picked registry.ServiceInstance
	switch lb.Strategy() {
	case LeastConnections:
		picked = lb.leastConnections(service, candidates)
	case WeightedRoundRobin:
		picked = lb.weighted(candidates)
	case IPHash:
		picked = candidates[hashKey(clientKey)%uint32(len(candidates))]
	default:
		picked = lb.roundRobin(service, candidates)
	}
	return picked.Address, true
}

func (lb *LoadBalancer) roundRobin(service string, candidates []registry.ServiceInstance) registry.ServiceInstance {
	v, _ := lb.counters.LoadOrStore(service, new(atomic.Uint64))
	idx := v.(*atomic.Uint64).Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

func (lb *LoadBalancer) leastConnections(service string, candidates []registry.ServiceInstance) registry.ServiceInstance {
	lb.connMu.Lock()
	defer lb.connMu.Unlock()

	selected := candidates[0]
	minConns := lb.connections[connKey{service, selected.Address}]
	for _, inst := range candidates[1:] {
		if n := lb.connections[connKey{service, inst.Address}]; n < minConns {
			minConns = n
			selected = inst
		}
	}
	return selected
}

func (lb *LoadBalancer) weighted(candidates []registry.ServiceInstance) registry.ServiceInstance {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, inst := range candidates {
		weights[i] = Weight(inst)
		total += weights[i]
	}
	if total <= 0 {
		return candidates[int(lb.random()*float64(len(candidates)))%len(candidates)]
	}

	r := lb.random() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// Weight is the weighted-round-robin score of an instance: its success
// rate scaled by how far its last response time is below one second.
func Weight(inst registry.ServiceInstance) float64 {
	successRate := float64(inst.Successes) / float64(inst.Successes+inst.Failures+1)
	rtMs := float64(inst.ResponseTime.Milliseconds())
	return successRate * max(0, 1000-rtMs) / 1000
}

// IncrementConnections marks one more in-flight request to address.
func (lb *LoadBalancer) IncrementConnections(service, address string) {
	lb.connMu.Lock()
	key := connKey{service, address}
	lb.connections[key]++
	n := lb.connections[key]
	lb.connMu.Unlock()

	if lb.observer != nil {
		lb.observer.SetBackendConnections(service, address, n)
	}
}

// DecrementConnections marks one in-flight request to address as done.
// The counter never drops below zero.
func (lb *LoadBalancer) DecrementConnections(service, address string) {
	lb.connMu.Lock()
	key := connKey{service, address}
	n := lb.connections[key] - 1
	if n <= 0 {
		n = 0
		delete(lb.connections, key)
	} else {
		lb.connections[key] = n
	}
	lb.connMu.Unlock()

	if lb.observer != nil {
		lb.observer.SetBackendConnections(service, address, n)
	}
}

// Connections returns the in-flight request count of address.
func (lb *LoadBalancer) Connections(service, address string) int64 {
	lb.connMu.Lock()
	defer lb.connMu.Unlock()
	return lb.connections[connKey{service, address}]
}

// ServiceConnections returns the in-flight counts of every address of
// service that currently has requests in flight.
func (lb *LoadBalancer) ServiceConnections(service string) map[string]int64 {
	lb.connMu.Lock()
	defer lb.connMu.Unlock()

	out := make(map[string]int64)
	for key, n := range lb.connections {
		if key.service == service {
			out[key.address] = n
		}
	}
	return out
}

// Forget drops the round-robin counter of a removed service.
func (lb *LoadBalancer) Forget(service string) {
	lb.counters.Delete(service)
}

// secureRandomFloat returns a uniform float64 in [0, 1).
func secureRandomFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
}
