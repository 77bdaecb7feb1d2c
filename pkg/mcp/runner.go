package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmesh/flowmesh/pkg/llm"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// Runner exposes a session's tool tree to the agent executor. Specs
// refreshes the registry from the live tool list, so custom servers
// registered mid-session appear on the next turn.
type Runner struct {
	session  *Session
	registry *Registry
}

// NewRunner wires a runner over a configured session.
func NewRunner(session *Session) *Runner {
	return &Runner{session: session, registry: NewRegistry()}
}

// Registry exposes the current tool registry, mainly for authorization
// prompts that want the tool's description and read-only flag.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Specs lists tools, refreshes the registry, and converts descriptors to
// model-facing specs under their qualified names.
func (r *Runner) Specs(ctx context.Context) ([]llm.ToolSpec, error) {
	descriptors, err := r.session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.registry.Replace(descriptors); err != nil {
		return nil, err
	}

	specs := make([]llm.ToolSpec, 0, len(descriptors))
	for _, d := range r.registry.List() {
		spec := llm.ToolSpec{
			Name:        d.QualifiedName(),
			Description: d.Description,
		}
		if len(d.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(d.InputSchema, &schema); err == nil {
				spec.InputSchema = schema
			}
		}
		if spec.InputSchema == nil {
			spec.InputSchema = map[string]any{"type": "object"}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Run validates the call arguments against the tool's schema, then executes
// it. Validation failures return before any traffic reaches the sandbox.
func (r *Runner) Run(ctx context.Context, call models.ToolCall) (string, error) {
	args, err := call.ArgsMap()
	if err != nil {
		return "", fmt.Errorf("tool %s has malformed arguments: %w", call.Name, err)
	}
	if err := r.registry.ValidateArgs(call.Name, args); err != nil {
		return "", err
	}
	return r.session.CallTool(ctx, call.Name, args)
}

// RequiresConfirmation reports whether the tool's declared policy demands
// human authorization. Unknown tools require confirmation; failing closed
// beats silently executing an unvetted call.
func (r *Runner) RequiresConfirmation(name string) bool {
	d, ok := r.registry.Get(name)
	if !ok {
		return true
	}
	return d.Policy.RequiresConfirmation()
}
