package registry

import (
	"context"
	"fmt"
	"sync"
)

// StaticRegistry is an in-memory registry for fixed deployments and tests,
// where the management service addresses are known up front. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

// NewStaticRegistry creates a registry holding addrs under DefaultService.
func NewStaticRegistry(addrs ...string) *StaticRegistry {
	r := &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
	for _, addr := range addrs {
		r.instances[DefaultService] = append(r.instances[DefaultService], ServiceInstance{Addr: addr, Weight: 1})
	}
	return r
}

func (r *StaticRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	if instance.Addr == "" {
		return fmt.Errorf("registry: empty address for %s", serviceName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == instance.Addr {
			insts[i] = instance
			r.notify(serviceName)
			return nil
		}
	}
	r.instances[serviceName] = append(insts, instance)
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			r.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			r.notify(serviceName)
			break
		}
	}
	return nil
}

func (r *StaticRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(serviceName), nil
}

// Watch emits the instance list after every change until ctx ends.
// Slow readers only ever see the latest list.
func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				r.watchers[serviceName] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) snapshot(serviceName string) []ServiceInstance {
	insts := r.instances[serviceName]
	out := make([]ServiceInstance, len(insts))
	copy(out, insts)
	return out
}

// notify must be called with mu held.
func (r *StaticRegistry) notify(serviceName string) {
	list := r.snapshot(serviceName)
	for _, w := range r.watchers[serviceName] {
		// drop a stale pending list so the newest one always gets through
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
