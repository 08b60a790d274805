package connector

import (
	"sort"
	"sync"

	"github.com/revlens/syncengine/pkg/errors"
)

// SourceFactory builds a source from its credential resolver.
type SourceFactory func(creds CredentialResolver) (Source, error)

// Registry maps connector names to source factories. Connectors
// register themselves from init functions; lookups happen when a
// tenant connects.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]SourceFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]SourceFactory)}
}

// Register adds a factory under a name. Re-registering a name is a
// programming error and panics at startup rather than shadowing
// silently at runtime.
func (r *Registry) Register(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic("connector already registered: " + name)
	}
	r.factories[name] = factory
}

// Create builds a source by name.
func (r *Registry) Create(name string, creds CredentialResolver) (Source, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no connector registered under %q", name)
	}
	return factory(creds)
}

// Names returns the registered connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultRegistry backs the package-level helpers.
var defaultRegistry = NewRegistry()

// Register adds a factory to the default registry.
func Register(name string, factory SourceFactory) {
	defaultRegistry.Register(name, factory)
}

// Create builds a source from the default registry.
func Create(name string, creds CredentialResolver) (Source, error) {
	return defaultRegistry.Create(name, creds)
}

// Names lists the default registry's connectors.
func Names() []string {
	return defaultRegistry.Names()
}
