package provider

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderExists   = errors.New("provider already registered")
	ErrInvalidProvider  = errors.New("invalid provider")
)

// Registry is the set of providers the gateway may route to, kept in
// registration order.
type Registry struct {
	providers map[string]Provider
	order     []string
	mutex     sync.RWMutex
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	registry := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return ErrInvalidProvider
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

func (r *Registry) Has(name string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.order)
}

// Shutdown stops every provider and returns the errors joined together.
func (r *Registry) Shutdown() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var errs []error
	for _, name := range r.order {
		if err := r.providers[name].Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down %s: %v", name, err))
		}
	}
	return errors.Join(errs...)
}
