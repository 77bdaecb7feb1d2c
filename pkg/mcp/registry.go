// Package mcp connects agent nodes to the tools served from inside a
// sandbox over the Model Context Protocol, plus the sandbox's sideband
// configuration endpoints.
package mcp

import (
	"fmt"
	"sort"
	"sync"
)

// ConfirmationPolicy controls whether a tool call needs human authorization
// before it executes.
type ConfirmationPolicy string

// Confirmation policies. Only auto executes without authorization.
const (
	PolicyAuto ConfirmationPolicy = "auto"
	PolicyEdit ConfirmationPolicy = "edit"
	PolicyBash ConfirmationPolicy = "bash"
	PolicyMCP  ConfirmationPolicy = "mcp"
)

// RequiresConfirmation reports whether the policy demands authorization.
func (p ConfirmationPolicy) RequiresConfirmation() bool {
	return p != PolicyAuto && p != ""
}

// ToolDescriptor is one registered tool. InputSchema is a JSON Schema
// draft-7 object; it is compiled once at registration.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema []byte
	ReadOnly    bool
	Policy      ConfirmationPolicy

	// Server identifies the origin for qualified names; empty for the
	// sandbox's built-in tool server.
	Server string

	compiled *compiledSchema
}

// QualifiedName prefixes tools from custom servers so names stay unique
// across the merged tree.
func (d *ToolDescriptor) QualifiedName() string {
	if d.Server == "" {
		return d.Name
	}
	return d.Server + "__" + d.Name
}

// Registry holds the merged tool tree for one sandbox session. Names are
// unique after qualification; registration of a colliding name fails.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDescriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDescriptor)}
}

// Register adds a tool after compiling its schema. The schema must be a
// draft-7 object schema; anything else is rejected up front so bad tools
// never reach the model.
func (r *Registry) Register(d *ToolDescriptor) error {
	compiled, err := compileToolSchema(d.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s has invalid input schema: %w", d.Name, err)
	}
	d.compiled = compiled

	name := d.QualifiedName()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = d
	return nil
}

// Get returns a tool by qualified name.
func (r *Registry) Get(name string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns all tools sorted by qualified name.
func (r *Registry) List() []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// Replace swaps the registry contents for a freshly listed tool set.
// Used after custom MCP registration changes the sandbox's tool tree.
func (r *Registry) Replace(descriptors []*ToolDescriptor) error {
	next := make(map[string]*ToolDescriptor, len(descriptors))
	for _, d := range descriptors {
		compiled, err := compileToolSchema(d.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s has invalid input schema: %w", d.Name, err)
		}
		d.compiled = compiled
		name := d.QualifiedName()
		if _, exists := next[name]; exists {
			return fmt.Errorf("duplicate tool name %s", name)
		}
		next[name] = d
	}

	r.mu.Lock()
	r.tools = next
	r.mu.Unlock()
	return nil
}

// ValidateArgs checks call arguments against the tool's compiled schema.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	d, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown tool %s", name)
	}
	return d.compiled.Validate(args)
}
