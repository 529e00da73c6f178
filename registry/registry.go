// Package registry keeps track of the management services a client may talk to.
//
// Each overlay host runs one management service; the registry maps a service
// name (usually "p2phun") to the instances currently reachable.
package registry

import "context"

// DefaultService is the name p2phun management services register under.
const DefaultService = "p2phun"

type ServiceInstance struct {
	Addr    string // host:port of the management service
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
