package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/neurogate/pkg/runtime"
	"github.com/MrWong99/neurogate/pkg/runtime/docker"
)

// ErrRuntimeNotRegistered is returned by [Registry.CreateRuntime] when no
// factory has been registered under the requested runtime name.
var ErrRuntimeNotRegistered = errors.New("config: runtime not registered")

// RuntimeFactory constructs a container runtime from its config section.
type RuntimeFactory func(RuntimeConfig) (runtime.Runtime, error)

// Registry maps runtime names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]RuntimeFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]RuntimeFactory)}
}

// DefaultRegistry returns a registry with the docker and podman CLIs
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterRuntime("docker", func(c RuntimeConfig) (runtime.Runtime, error) {
		return docker.New(docker.Config{Binary: c.Binary, Endpoint: c.Endpoint}), nil
	})
	r.RegisterRuntime("podman", func(c RuntimeConfig) (runtime.Runtime, error) {
		return docker.NewPodman(c.Binary, c.Endpoint), nil
	})
	return r
}

// RegisterRuntime registers a runtime factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRuntime(name string, factory RuntimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = factory
}

// CreateRuntime instantiates the runtime registered under cfg.Name.
// Returns [ErrRuntimeNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateRuntime(cfg RuntimeConfig) (runtime.Runtime, error) {
	r.mu.RLock()
	factory, ok := r.runtimes[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRuntimeNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// RuntimeNames returns the registered runtime names in sorted order.
func (r *Registry) RuntimeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runtimes))
	for n := range r.runtimes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
