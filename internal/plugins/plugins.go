// Package plugins wires the built-in content-type plugins into a registry.
package plugins

import (
	"fmt"

	"github.com/reloquent/carryover/internal/plugins/docker"
	"github.com/reloquent/carryover/internal/plugins/iso"
	"github.com/reloquent/carryover/internal/plugins/rpm"
	"github.com/reloquent/carryover/internal/registry"
)

// Builtin returns the built-in plugin definitions in registration order.
func Builtin() []registry.Plugin {
	return []registry.Plugin{
		iso.Plugin(),
		docker.Plugin(),
		rpm.Plugin(),
	}
}

// RegisterAll registers every built-in plugin.
func RegisterAll(r *registry.Registry) error {
	for _, p := range Builtin() {
		if err := r.RegisterPlugin(p); err != nil {
			return fmt.Errorf("registering plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

// NewRegistry returns a registry populated with the built-in plugins.
func NewRegistry() (*registry.Registry, error) {
	r := registry.New()
	if err := RegisterAll(r); err != nil {
		return nil, err
	}
	return r, nil
}
