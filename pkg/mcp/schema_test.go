package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileToolSchemaEmpty(t *testing.T) {
	// Servers that omit a schema get unconstrained arguments.
	c, err := compileToolSchema(nil)
	require.NoError(t, err)
	assert.NoError(t, c.Validate(map[string]any{"anything": true}))
	assert.NoError(t, c.Validate(nil))
}

func TestCompileToolSchemaRejectsNonObject(t *testing.T) {
	for _, raw := range []string{
		`{"type":"string"}`,
		`{"type":"array"}`,
	} {
		_, err := compileToolSchema([]byte(raw))
		assert.Error(t, err, raw)
	}

	_, err := compileToolSchema([]byte(`not json`))
	assert.Error(t, err)
}

func TestCompiledSchemaValidate(t *testing.T) {
	c, err := compileToolSchema([]byte(`{
		"type": "object",
		"properties": {
			"cmd": {"type": "string", "minLength": 1},
			"timeout": {"type": "integer", "minimum": 0},
			"env": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			}
		},
		"required": ["cmd"],
		"additionalProperties": false
	}`))
	require.NoError(t, err)

	assert.NoError(t, c.Validate(map[string]any{"cmd": "ls"}))
	assert.NoError(t, c.Validate(map[string]any{
		"cmd": "ls", "timeout": 30, "env": map[string]any{"HOME": "/root"},
	}))

	assert.Error(t, c.Validate(nil), "required property missing")
	assert.Error(t, c.Validate(map[string]any{"cmd": ""}), "minLength violated")
	assert.Error(t, c.Validate(map[string]any{"cmd": "ls", "timeout": -1}))
	assert.Error(t, c.Validate(map[string]any{"cmd": "ls", "extra": 1}), "additionalProperties false")
}

func TestCompiledSchemaNormalizesGoTypes(t *testing.T) {
	c, err := compileToolSchema([]byte(`{
		"type": "object",
		"properties": {"n": {"type": "integer"}}
	}`))
	require.NoError(t, err)

	// Go ints survive the JSON round trip as whole-number floats, which
	// draft-7 still treats as integers.
	assert.NoError(t, c.Validate(map[string]any{"n": 3}))
	assert.NoError(t, c.Validate(map[string]any{"n": int64(3)}))
	assert.Error(t, c.Validate(map[string]any{"n": 3.5}))
}
