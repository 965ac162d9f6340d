package annotate

import (
	"fmt"
	"sort"
	"sync"

	types "SkyCount/pkg"

	"go.uber.org/zap"
)

// Factory builds an Annotator from the annotator config section.
type Factory func(cfg types.AnnotatorConfig, logger *zap.Logger) (Annotator, error)

// Registry manages annotator backends by name
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a new backend registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(PassthroughBackend, NewPassthrough)
	_ = r.Register(SubprocessBackend, NewSubprocess)
	return r
}

// Register adds a backend to the registry
func (r *Registry) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil backend")
	}
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("backend %s is already registered", name)
	}

	r.factories[name] = factory
	return nil
}

// New builds the backend named by cfg.Backend.
func (r *Registry) New(cfg types.AnnotatorConfig, logger *zap.Logger) (Annotator, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Backend]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown annotator backend: %s", cfg.Backend)
	}

	annotator, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s annotator: %w", cfg.Backend, err)
	}
	return annotator, nil
}

// List returns all registered backend names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
