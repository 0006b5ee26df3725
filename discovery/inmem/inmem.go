// Package inmem is a process-local Registry, used when no Consul agent is
// configured and in tests.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/timour/course-checkout/discovery"
)

var ErrNotRegistered = errors.New("service instance is not registered")

type Registry struct {
	sync.RWMutex
	addrs map[string]map[string]string
}

func NewRegistry() *Registry {
	return &Registry{addrs: map[string]map[string]string{}}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		r.addrs[serviceName] = map[string]string{}
	}
	r.addrs[serviceName][instanceID] = hostPort
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.Lock()
	defer r.Unlock()
	delete(r.addrs[serviceName], instanceID)
	return nil
}

// HealthCheck fails once the instance has been deregistered.
func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.RLock()
	defer r.RUnlock()

	if _, ok := r.addrs[serviceName][instanceID]; !ok {
		return ErrNotRegistered
	}
	return nil
}

var _ discovery.Registry = (*Registry)(nil)
