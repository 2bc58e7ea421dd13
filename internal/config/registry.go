package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cadence/pkg/audio/endpoint"
)

// ErrDriverNotRegistered is returned by [Registry.CreateDriver] when no factory
// has been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// DriverFactory constructs an endpoint driver from its endpoint config.
type DriverFactory func(EndpointConfig) (endpoint.Driver, error)

// Registry maps driver names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]DriverFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]DriverFactory)}
}

// RegisterDriver registers a driver factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDriver(name string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = factory
}

// CreateDriver instantiates the driver registered under entry.Driver.
// Returns [ErrDriverNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDriver(entry EndpointConfig) (endpoint.Driver, error) {
	r.mu.RLock()
	factory, ok := r.drivers[entry.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotRegistered, entry.Driver)
	}
	d, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create driver %q: %w", entry.Driver, err)
	}
	return d, nil
}

// Drivers returns the registered driver names in sorted order.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
