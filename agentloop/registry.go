package agentloop

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/martinemde/debugagent/llm"
)

// ToolFunc performs a tool's side effect. The returned value is serialized
// into the tool result: strings pass through, anything else becomes JSON.
type ToolFunc func(ctx context.Context, arguments json.RawMessage) (any, error)

// ToolSpec pairs a tool's model-facing description with its executor.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Execute     ToolFunc
}

// Definition returns the schema-only view of the tool.
func (s ToolSpec) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Parameters,
	}
}

// Registry is the catalogue of tools the model may call. Tools are described
// in registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]ToolSpec
	order  []string
	frozen bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]ToolSpec),
	}
}

// Register adds a tool. It fails if the name is taken or the registry has
// been frozen.
func (r *Registry) Register(spec ToolSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.tools[spec.Name]; exists {
		return &DuplicateToolError{Name: spec.Name}
	}
	r.tools[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, &UnknownToolError{Name: name}
	}
	return spec, nil
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Describe returns the definitions sent to the model on every round.
func (r *Registry) Describe() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Freeze rejects any further registrations. Safe to call multiple times.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}
