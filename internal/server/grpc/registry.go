package grpcserver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc"

	api "github.com/YechenGu/curve/pkg/api"
)

var (
	ErrServiceExists   = errors.New("grpcserver: service already registered")
	ErrServiceNotFound = errors.New("grpcserver: service not registered")
	ErrRegistryFrozen  = errors.New("grpcserver: server already built")
)

type registration struct {
	desc *grpc.ServiceDesc
	impl any
}

// Registry stages services until the gRPC server is built. Unlike
// grpc.Server it allows a registered service to be replaced, which is how
// the chunkserver swaps the default raft services for its own.
type Registry struct {
	mu       sync.Mutex
	services map[string]registration
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]registration)}
}

// NewDefaultRegistry pre-registers the placeholder cli and file services
// a bare raft server would expose.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.services[api.CliServiceName] = registration{&api.CliServiceDesc, api.UnimplementedCliServiceServer{}}
	r.services[api.FileServiceName] = registration{&api.FileServiceDesc, api.UnimplementedFileServiceServer{}}
	return r
}

func (r *Registry) RegisterService(desc *grpc.ServiceDesc, impl any) error {
	if desc == nil {
		return fmt.Errorf("grpcserver: nil service desc")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.services[desc.ServiceName]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, desc.ServiceName)
	}
	r.services[desc.ServiceName] = registration{desc: desc, impl: impl}
	return nil
}

func (r *Registry) RemoveService(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.services[name]; !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	delete(r.services, name)
	return nil
}

func (r *Registry) HasService(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.services[name]
	return ok
}

// Services lists registered service names in order.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// apply registers everything on srv and freezes the registry.
func (r *Registry) apply(srv *grpc.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reg := r.services[name]
		srv.RegisterService(reg.desc, reg.impl)
	}
}
