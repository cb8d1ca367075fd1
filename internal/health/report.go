package health

import (
	"time"

	"github.com/vyrodovalexey/svcgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgw/internal/registry"
)

// Status is an aggregated health status.
type Status string

const (
	// StatusHealthy means at least one instance is healthy and the circuit
	// is not open. For the overall report it means every service is healthy.
	StatusHealthy Status = "healthy"

	// StatusUnhealthy means the service cannot currently be served.
	StatusUnhealthy Status = "unhealthy"
)

// InstanceSource lists the instances of registered services.
type InstanceSource interface {
	Services() []string
	Instances(name string) []registry.ServiceInstance
}

// CircuitSource reports breaker state per service.
type CircuitSource interface {
	Snapshot(service string) circuitbreaker.Snapshot
}

// ServiceReport is the health of one service.
type ServiceReport struct {
	Service          string                     `json:"service"`
	Status           Status                     `json:"status"`
	HealthyInstances int                        `json:"healthyInstances"`
	TotalInstances   int                        `json:"totalInstances"`
	CircuitState     circuitbreaker.State       `json:"circuitState"`
	Instances        []registry.ServiceInstance `json:"instances"`
}

// Report is the health of the whole gateway.
type Report struct {
	Status    Status                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceReport `json:"services"`
}

// Healthy reports whether the aggregate status is healthy.
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Healthy reports whether the service status is healthy.
func (r ServiceReport) Healthy() bool {
	return r.Status == StatusHealthy
}

// BuildServiceReport aggregates the health of one service. The boolean is
// false when the service is not registered.
func BuildServiceReport(instances InstanceSource, circuits CircuitSource, service string) (ServiceReport, bool) {
	insts := instances.Instances(service)
	if insts == nil {
		return ServiceReport{}, false
	}

	report := ServiceReport{
		Service:        service,
		TotalInstances: len(insts),
		Instances:      insts,
		CircuitState:   circuitbreaker.StateClosed,
	}
	for _, inst := range insts {
		if inst.Healthy {
			report.HealthyInstances++
		}
	}
	if circuits != nil {
		report.CircuitState = circuits.Snapshot(service).State
	}

	report.Status = StatusUnhealthy
	if report.HealthyInstances > 0 && report.CircuitState != circuitbreaker.StateOpen {
		report.Status = StatusHealthy
	}
	return report, true
}

// BuildReport aggregates the health of every registered service. With no
// services registered the gateway counts as healthy.
func BuildReport(instances InstanceSource, circuits CircuitSource) Report {
	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceReport),
	}
	for _, name := range instances.Services() {
		sr, ok := BuildServiceReport(instances, circuits, name)
		if !ok {
			continue
		}
		report.Services[name] = sr
		if !sr.Healthy() {
			report.Status = StatusUnhealthy
		}
	}
	return report
}
