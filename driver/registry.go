package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Registry holds named Drivers, e.g. "main" and "analytics".
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*Driver
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*Driver)}
}

// Register adds d under name. Names are unique.
func (r *Registry) Register(name string, d *Driver) error {
	if name == "" || d == nil {
		return fmt.Errorf("sqltpl: register needs a name and a driver")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.drivers[name]; dup {
		return fmt.Errorf("sqltpl: connection %q already registered", name)
	}
	r.drivers[name] = d
	return nil
}

// Get returns the Driver registered under name.
func (r *Registry) Get(name string) (*Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close closes and removes every Driver.
func (r *Registry) Close() error {
	r.mu.Lock()
	drivers := r.drivers
	r.drivers = make(map[string]*Driver)
	r.mu.Unlock()

	var errs []error
	for name, d := range drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// OpenRegistry opens every connection of rc. On failure the connections
// opened so far are closed. opts apply to every Driver.
func OpenRegistry(ctx context.Context, rc RegistryConfig, opts ...Option) (*Registry, error) {
	r := NewRegistry()
	names := make([]string, 0, len(rc.Connections))
	for n := range rc.Connections {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		d, err := Open(ctx, rc.Connections[name], opts...)
		if err == nil {
			err = r.Register(name, d)
		}
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("connection %q: %w", name, err)
		}
	}
	return r, nil
}

// LoadRegistry reads a YAML document of named connections from path and
// opens them.
func LoadRegistry(ctx context.Context, path string, opts ...Option) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rc, err := ParseRegistryConfig(data)
	if err != nil {
		return nil, err
	}
	return OpenRegistry(ctx, rc, opts...)
}
