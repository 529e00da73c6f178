// Package loadbalance picks which management service receives a call.
//
// Three strategies are implemented:
//   - RoundRobin:      every host equally, in turn
//   - WeightedRandom:  hosts of different capacity
//   - ConsistentHash:  calls about the same node land on the same host
//
// The key passed to Pick identifies what the call is about, normally the
// base64 node id. Calls that are not about a particular node pass "".
package loadbalance

import (
	"errors"

	"p2phun-rpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is goroutine-safe; the client calls Pick before every call.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name, or RoundRobin for an unknown name.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ConsistentHash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
