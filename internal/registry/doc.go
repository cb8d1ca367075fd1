// Package registry holds the definition and mutable health state of every
// backend service known to the gateway.
//
// The Registry is the single owner of instance health. The health checker
// and the dispatcher report outcomes through UpdateInstanceHealth; every
// other component reads snapshots. A registered service always has at
// least one instance: failures flip the healthy flag, they never remove
// an instance.
//
//	reg := registry.New(registry.WithLogger(logger))
//	_ = reg.Register(registry.ServiceDefinition{
//	    Name:      "documents",
//	    Instances: []string{"10.0.0.5:8002", "10.0.0.6:8002"},
//	})
//	healthy := reg.HealthyInstances("documents")
package registry
