// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Three strategies are implemented, selected by name:
//   - "rr":     RoundRobin, stateless services with equal-capacity instances
//   - "wr":     WeightedRandom, heterogeneous instances (different CPU/memory)
//   - "c_hash": ConsistentHash, requests with the same code stick to one instance
package loadbalance

import (
	"errors"
	"fmt"

	"echorpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC attempt to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. requestCode is the
	// call's routing key; only hashing strategies look at it.
	// Called on every RPC call, so it must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, requestCode uint64) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "rr":
		return &RoundRobinBalancer{}, nil
	case "wr":
		return &WeightedRandomBalancer{}, nil
	case "c_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
}
