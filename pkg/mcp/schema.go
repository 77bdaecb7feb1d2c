package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema wraps a compiled draft-7 schema for argument validation.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileToolSchema compiles a tool input schema, pinning draft-7 and
// requiring an object type at the top level. A nil or empty schema is
// treated as "object, no constraints", matching servers that omit it.
func compileToolSchema(raw []byte) (*compiledSchema, error) {
	if len(raw) == 0 {
		return &compiledSchema{}, nil
	}

	var top struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	if t, ok := top.Type.(string); ok && t != "object" {
		return nil, fmt.Errorf("input schema type must be object, got %q", t)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("tool.schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	schema, err := compiler.Compile("tool.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &compiledSchema{schema: schema}, nil
}

// Validate checks args against the schema. Round-tripping through JSON
// normalizes Go types into what the validator expects.
func (c *compiledSchema) Validate(args map[string]any) error {
	if c.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	if err := c.schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}
