// Package registry maps handler names from workflow definitions to the
// Handler implementations that execute them.
//
// Import rules:
//   - MAY import internal/domain and internal/errors.
//   - MUST NOT import orchestration or store packages.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sequor/sequor/internal/domain"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

// Registry is a named handler lookup. Registration happens at boot; lookups
// happen on every step dispatch. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]domain.Handler)}
}

// Register binds a handler to a name. Registering the same name twice is a
// programming error and fails loudly.
func (r *Registry) Register(name string, handler domain.Handler) error {
	if name == "" {
		return fmt.Errorf("handler name: %w", seqerrors.ErrEmptyValue)
	}
	if handler == nil {
		return fmt.Errorf("handler %q: %w", name, seqerrors.ErrEmptyValue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister is Register that panics on error, for boot-time wiring.
func (r *Registry) MustRegister(name string, handler domain.Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// Resolve returns the handler bound to name.
func (r *Registry) Resolve(name string) (domain.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("handler %q: %w", name, seqerrors.ErrHandlerNotFound)
	}
	return handler, nil
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDefinition checks that every handler a workflow definition names is
// registered, so missing handlers surface at submission rather than dispatch.
func (r *Registry) ValidateDefinition(def *domain.WorkflowDefinition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, step := range def.Steps {
		if _, ok := r.handlers[step.Handler]; !ok {
			return fmt.Errorf("step %q handler %q: %w", step.Name, step.Handler, seqerrors.ErrHandlerNotFound)
		}
	}
	return nil
}
