package tool

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the process-wide tool set. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Spec)}
}

// Register adds a spec, failing on duplicate names or malformed schemas.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchema)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidSchema, spec.Name)
	}
	if spec.Schema.Type != "object" {
		return fmt.Errorf("%w: %s schema type must be 'object', got %q", ErrInvalidSchema, spec.Name, spec.Schema.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.tools[spec.Name] = spec
	return nil
}

// Get retrieves a spec by name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	return spec, ok
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Run validates args against the named tool's schema and invokes its
// handler. Validation failures surface as ErrInvalidArgument; handler
// failures propagate unchanged.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	spec, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(spec.Schema, args); err != nil {
		return nil, err
	}
	return spec.Handler(ctx, args)
}
