// Package tools holds the session-level tool set: definitions with JSON
// parameter schemas, the registry providers draw from, and converters to the
// wire formats each provider SDK expects.
//
// Tool schemas use the MCP tool types so that definitions sourced from MCP
// servers, vault operations, or web tools all share one shape. The core
// treats handlers as opaque: it passes parsed arguments in and serializes
// whatever comes back to the model as a tool-result message.
package tools

import (
	"context"
	"fmt"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// Handler executes a tool call. The returned value is serialized back to the
// model verbatim; errors are converted into structured error results by the
// tool loop, never propagated.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one callable tool. Immutable once attached to a
// session.
type Definition struct {
	Name        string
	Description string
	Schema      mcptypes.ToolInputSchema
	Handler     Handler
}

// MCPTool returns the definition as an MCP tool value for conversion to
// provider wire formats.
func (d Definition) MCPTool() mcptypes.Tool {
	return mcptypes.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.Schema,
	}
}

// Registry is a named set of tool definitions. Names are unique; registering
// a duplicate name replaces the earlier definition.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition to the registry.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.defs[name])
	}
	return result
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// MCPTools returns every definition as an MCP tool value, in registration
// order.
func (r *Registry) MCPTools() []mcptypes.Tool {
	defs := r.List()
	if len(defs) == 0 {
		return nil
	}
	result := make([]mcptypes.Tool, len(defs))
	for i, def := range defs {
		result[i] = def.MCPTool()
	}
	return result
}
