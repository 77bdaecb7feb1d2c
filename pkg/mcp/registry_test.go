package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualifiedName(t *testing.T) {
	builtin := &ToolDescriptor{Name: "bash"}
	assert.Equal(t, "bash", builtin.QualifiedName())

	custom := &ToolDescriptor{Name: "query", Server: "postgres"}
	assert.Equal(t, "postgres__query", custom.QualifiedName())
}

func TestRequiresConfirmation(t *testing.T) {
	assert.False(t, PolicyAuto.RequiresConfirmation())
	assert.False(t, ConfirmationPolicy("").RequiresConfirmation())
	assert.True(t, PolicyBash.RequiresConfirmation())
	assert.True(t, PolicyEdit.RequiresConfirmation())
	assert.True(t, PolicyMCP.RequiresConfirmation())
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&ToolDescriptor{
		Name:        "search",
		InputSchema: []byte(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
		Policy:      PolicyAuto,
	}))

	d, ok := r.Get("search")
	require.True(t, ok)
	assert.Equal(t, PolicyAuto, d.Policy)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	// Same qualified name collides.
	err := r.Register(&ToolDescriptor{Name: "search"})
	assert.Error(t, err)

	// Same short name from a different server does not.
	require.NoError(t, r.Register(&ToolDescriptor{Name: "search", Server: "web"}))
	_, ok = r.Get("web__search")
	assert.True(t, ok)
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&ToolDescriptor{
		Name:        "bad",
		InputSchema: []byte(`{"type":"string"}`),
	})
	assert.Error(t, err)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&ToolDescriptor{Name: "zeta"}))
	require.NoError(t, r.Register(&ToolDescriptor{Name: "alpha"}))
	require.NoError(t, r.Register(&ToolDescriptor{Name: "beta", Server: "custom"}))

	var names []string
	for _, d := range r.List() {
		names = append(names, d.QualifiedName())
	}
	assert.Equal(t, []string{"alpha", "custom__beta", "zeta"}, names)
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&ToolDescriptor{Name: "old"}))

	require.NoError(t, r.Replace([]*ToolDescriptor{
		{Name: "new_one"},
		{Name: "new_two"},
	}))

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("new_one")
	assert.True(t, ok)

	// A duplicate in the replacement set leaves the registry untouched.
	err := r.Replace([]*ToolDescriptor{{Name: "dup"}, {Name: "dup"}})
	assert.Error(t, err)
	_, ok = r.Get("new_one")
	assert.True(t, ok)
}

func TestRegistryValidateArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&ToolDescriptor{
		Name: "search",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {"q": {"type": "string"}, "limit": {"type": "integer"}},
			"required": ["q"]
		}`),
	}))

	assert.NoError(t, r.ValidateArgs("search", map[string]any{"q": "go", "limit": 5}))
	assert.Error(t, r.ValidateArgs("search", map[string]any{"limit": 5}), "missing required")
	assert.Error(t, r.ValidateArgs("search", map[string]any{"q": 42}), "wrong type")
	assert.Error(t, r.ValidateArgs("unknown", nil))
}
