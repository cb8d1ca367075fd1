package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// maxDrainBytes bounds how much of a health response body is read so the
// connection can be reused.
const maxDrainBytes = 4 << 10

// Registry is the part of the service registry the checker needs.
type Registry interface {
	Services() []string
	Get(name string) (registry.ServiceDefinition, bool)
	Instances(name string) []registry.ServiceInstance
	UpdateInstanceHealth(name, address string, healthy bool, responseTime time.Duration)
}

// CheckRecorder receives per-check metrics.
type CheckRecorder interface {
	RecordHealthCheck(service string, healthy bool, duration time.Duration)
}

// Checker periodically probes every registered instance.
type Checker struct {
	registry Registry
	interval time.Duration
	client   *http.Client
	logger   observability.Logger
	metrics  CheckRecorder
	grpc     *grpcProber

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Checker.
type Option func(*Checker)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the checker logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithMetrics sets the receiver of per-check metrics.
func WithMetrics(m CheckRecorder) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// WithHTTPClient sets the client used for HTTP probes. Per-check
// deadlines come from the request context, not from the client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) {
		c.client = client
	}
}

// NewChecker creates a checker over reg. It does nothing until Start or
// CheckNow is called.
func NewChecker(reg Registry, opts ...Option) *Checker {
	c := &Checker{
		registry: reg,
		interval: config.DefaultHealthCheckInterval,
		client:   &http.Client{},
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.grpc = newGRPCProber(c.logger)
	return c
}

// Start runs one sweep immediately and then one every interval until ctx
// is cancelled or Stop is called. Calling Start on a running checker does
// nothing.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.run(ctx, c.stopCh, c.doneCh)

	c.logger.Info("health checker started", observability.Duration("interval", c.interval))
}

// Stop ends the sweep loop and waits for it to exit. It is safe to call
// more than once.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	doneCh := c.doneCh
	c.mu.Unlock()

	<-doneCh
	c.grpc.closeAll()
	c.logger.Info("health checker stopped")
}

func (c *Checker) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.CheckNow(ctx)
		}
	}
}

// CheckNow runs one sweep over every instance of every service and waits
// for all checks to finish.
func (c *Checker) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup

	for _, name := range c.registry.Services() {
		def, ok := c.registry.Get(name)
		if !ok {
			continue
		}
		for _, inst := range c.registry.Instances(name) {
			wg.Add(1)
			go func(def registry.ServiceDefinition, address string) {
				defer wg.Done()
				c.checkInstance(ctx, def, address)
			}(def, inst.Address)
		}
	}

	wg.Wait()
}

// CheckService runs one sweep over the instances of a single service.
func (c *Checker) CheckService(ctx context.Context, name string) error {
	def, ok := c.registry.Get(name)
	if !ok {
		return fmt.Errorf("check %s: %w", name, registry.ErrServiceNotFound)
	}

	var wg sync.WaitGroup
	for _, inst := range c.registry.Instances(name) {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			c.checkInstance(ctx, def, address)
		}(inst.Address)
	}
	wg.Wait()
	return nil
}

func (c *Checker) checkInstance(ctx context.Context, def registry.ServiceDefinition, address string) {
	if ctx.Err() != nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	start := time.Now()
	var err error
	if def.HealthCheckProtocol == config.HealthProtocolGRPC {
		err = c.grpc.check(checkCtx, address)
	} else {
		err = c.checkHTTP(checkCtx, util.BaseURL(address)+def.HealthCheckPath)
	}
	elapsed := time.Since(start)

	// A sweep interrupted by shutdown says nothing about the backend.
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	if !healthy {
		c.logger.Debug("health check failed",
			observability.String("service", def.Name),
			observability.String("instance", address),
			observability.Duration("duration", elapsed),
			observability.Error(err),
		)
	}

	c.registry.UpdateInstanceHealth(def.Name, address, healthy, elapsed)
	if c.metrics != nil {
		c.metrics.RecordHealthCheck(def.Name, healthy, elapsed)
	}
}

func (c *Checker) checkHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
