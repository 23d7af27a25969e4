package behavior

import (
	"sort"
	"sync"

	"goa.design/mesh/faults"
)

// Registry maps agent type aliases to behavior factories. A node consults it
// on configuration and on every reactivation of a configured agent.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds alias to factory, replacing any previous binding.
func (r *Registry) Register(alias string, factory Factory) {
	r.mu.Lock()
	r.factories[alias] = factory
	r.mu.Unlock()
}

// Resolve returns the factory for alias. Unknown aliases yield an
// invalid-configuration fault so configuration requests fail fast instead of
// producing an agent that can never activate.
func (r *Registry) Resolve(alias string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[alias]
	r.mu.RUnlock()
	if !ok {
		return nil, faults.New(faults.KindInvalidConfiguration, "unknown agent type %q", alias)
	}
	return f, nil
}

// Aliases lists the registered type aliases in sorted order.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for alias := range r.factories {
		out = append(out, alias)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
