package driver

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Registry maps adapter names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory. Names are case-insensitive and must be unique.
func (r *Registry) Register(name string, factory Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("adapter name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("adapter %s: factory must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New builds the named adapter, wrapped by Guard.
func (r *Registry) New(name string, deps Dependencies) (Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	adapter, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("create adapter %s: %w", key, err)
	}
	return Guard(adapter, deps.Logger), nil
}

// Names lists the registered adapters in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
