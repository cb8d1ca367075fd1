package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Sentinel errors.
var (
	ErrServiceNotFound = errors.New("service not found")
	ErrInvalidService  = errors.New("invalid service definition")
	ErrNoInstances     = errors.New("service has no instances")
	ErrLastInstance    = errors.New("cannot remove the last instance of a service")
)

// HealthObserver is notified when an instance flips between healthy and
// unhealthy, and when an instance is dropped.
type HealthObserver interface {
	SetBackendHealth(service, instance string, healthy bool)
	DeleteBackend(service, instance string)
}

// ServiceInstance is a snapshot of one backend address.
type ServiceInstance struct {
	Address      string        `json:"address"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"lastCheck"`
	ResponseTime time.Duration `json:"responseTime"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
}

type instance struct {
	address      string
	healthy      bool
	lastCheck    time.Time
	responseTime time.Duration
	successes    int64
	failures     int64
}

func newInstance(address string) *instance {
	return &instance{address: address, healthy: true}
}

func (i *instance) snapshot() ServiceInstance {
	return ServiceInstance{
		Address:      i.address,
		Healthy:      i.healthy,
		LastCheck:    i.lastCheck,
		ResponseTime: i.responseTime,
		Successes:    i.successes,
		Failures:     i.failures,
	}
}

type service struct {
	def       ServiceDefinition
	instances []*instance
}

func (s *service) find(address string) *instance {
	for _, inst := range s.instances {
		if inst.address == address {
			return inst
		}
	}
	return nil
}

// Registry stores service definitions and instance health. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*service
	logger   observability.Logger
	observer HealthObserver
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithHealthObserver sets the receiver of health transitions.
func WithHealthObserver(o HealthObserver) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string]*service),
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores def. Registering an existing name replaces the
// definition; instances whose address is kept retain their health state,
// new addresses start healthy and dropped ones are removed.
func (r *Registry) Register(def ServiceDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidService)
	}
	addresses := dedupe(def.Instances)
	if len(addresses) == 0 {
		return fmt.Errorf("%w: %s", ErrNoInstances, def.Name)
	}
	def = def.withDefaults()
	def.Instances = addresses

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.services[def.Name]
	svc := &service{def: def, instances: make([]*instance, 0, len(addresses))}
	for _, addr := range addresses {
		var inst *instance
		if exists {
			inst = old.find(addr)
		}
		if inst == nil {
			inst = newInstance(addr)
			r.notifyHealth(def.Name, addr, true)
		}
		svc.instances = append(svc.instances, inst)
	}
	if exists {
		for _, inst := range old.instances {
			if svc.find(inst.address) == nil {
				r.notifyDelete(def.Name, inst.address)
			}
		}
	}
	r.services[def.Name] = svc

	r.logger.Info("registered service",
		observability.String("service", def.Name),
		observability.Int("instances", len(addresses)),
		observability.Bool("replaced", exists),
	)
	return nil
}

// Unregister removes a service. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[name]
	if !ok {
		return
	}
	delete(r.services, name)
	for _, inst := range svc.instances {
		r.notifyDelete(name, inst.address)
	}
	r.logger.Info("unregistered service", observability.String("service", name))
}

// Get returns the definition of name. The instance list reflects the
// current instance set.
func (r *Registry) Get(name string) (ServiceDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return ServiceDefinition{}, false
	}
	def := svc.def
	def.Instances = make([]string, len(svc.instances))
	for i, inst := range svc.instances {
		def.Instances[i] = inst.address
	}
	return def, true
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instances returns snapshots of every instance of name in list order.
func (r *Registry) Instances(name string) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return nil
	}
	out := make([]ServiceInstance, len(svc.instances))
	for i, inst := range svc.instances {
		out[i] = inst.snapshot()
	}
	return out
}

// HealthyInstances returns snapshots of the healthy instances of name in
// list order. An empty result is normal and means the service is
// currently unavailable.
func (r *Registry) HealthyInstances(name string) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return nil
	}
	out := make([]ServiceInstance, 0, len(svc.instances))
	for _, inst := range svc.instances {
		if inst.healthy {
			out = append(out, inst.snapshot())
		}
	}
	return out
}

// UpdateInstanceHealth records a health observation. A healthy result
// increments the success counter and zeroes the failure counter; an
// unhealthy one increments the failure counter. Unknown services or
// addresses are ignored.
func (r *Registry) UpdateInstanceHealth(name, address string, healthy bool, responseTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[name]
	if !ok {
		return
	}
	inst := svc.find(address)
	if inst == nil {
		return
	}

	was := inst.healthy
	inst.healthy = healthy
	inst.lastCheck = r.now()
	inst.responseTime = responseTime
	if healthy {
		inst.successes++
		inst.failures = 0
	} else {
		inst.failures++
	}

	if was == healthy {
		return
	}
	r.notifyHealth(name, address, healthy)
	if healthy {
		r.logger.Info("instance recovered",
			observability.String("service", name),
			observability.String("instance", address),
		)
	} else {
		r.logger.Warn("instance marked unhealthy",
			observability.String("service", name),
			observability.String("instance", address),
			observability.Int64("failures", inst.failures),
		)
	}
}

// AddInstance appends a healthy instance. Adding an existing address is
// a no-op.
func (r *Registry) AddInstance(name, address string) error {
	if util.HostPort(address) == "" {
		return fmt.Errorf("%w: empty address %q", ErrInvalidService, address)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if svc.find(address) != nil {
		return nil
	}
	svc.instances = append(svc.instances, newInstance(address))
	r.notifyHealth(name, address, true)

	r.logger.Info("instance added",
		observability.String("service", name),
		observability.String("instance", address),
	)
	return nil
}

// RemoveInstance drops an instance. Removing an unknown address is a
// no-op; removing the last instance is refused.
func (r *Registry) RemoveInstance(name, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	idx := slices.IndexFunc(svc.instances, func(i *instance) bool { return i.address == address })
	if idx < 0 {
		return nil
	}
	if len(svc.instances) == 1 {
		return fmt.Errorf("%w: %s", ErrLastInstance, name)
	}
	svc.instances = slices.Delete(slices.Clone(svc.instances), idx, idx+1)
	r.notifyDelete(name, address)

	r.logger.Info("instance removed",
		observability.String("service", name),
		observability.String("instance", address),
	)
	return nil
}

// Sync registers every definition in defs and unregisters services not
// present. It returns the names that were removed.
func (r *Registry) Sync(defs []ServiceDefinition) ([]string, error) {
	keep := make(map[string]bool, len(defs))
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
		keep[def.Name] = true
	}

	var removed []string
	for _, name := range r.Services() {
		if !keep[name] {
			r.Unregister(name)
			removed = append(removed, name)
		}
	}
	return removed, nil
}

func (r *Registry) notifyHealth(service, address string, healthy bool) {
	if r.observer != nil {
		r.observer.SetBackendHealth(service, address, healthy)
	}
}

func (r *Registry) notifyDelete(service, address string) {
	if r.observer != nil {
		r.observer.DeleteBackend(service, address)
	}
}

func dedupe(addresses []string) []string {
	out := make([]string, 0, len(addresses))
	seen := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
