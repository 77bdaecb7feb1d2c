package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotKeyDeterministic(t *testing.T) {
	a := SnapshotSpec{
		BaseImageVersion: "v1.2",
		PinnedDeps:       []string{"numpy==1.26", "pandas==2.1"},
		MCPPackages:      []string{"mcp-files", "mcp-git"},
	}
	b := SnapshotSpec{
		BaseImageVersion: "v1.2",
		PinnedDeps:       []string{"pandas==2.1", "numpy==1.26"},
		MCPPackages:      []string{"mcp-git", "mcp-files"},
	}
	assert.Equal(t, a.Key(), b.Key(), "ordering must not change the key")
	assert.Len(t, a.Key(), 32)
}

func TestSnapshotKeyDistinguishesContents(t *testing.T) {
	base := SnapshotSpec{BaseImageVersion: "v1", PinnedDeps: []string{"a"}}

	differentImage := base
	differentImage.BaseImageVersion = "v2"
	assert.NotEqual(t, base.Key(), differentImage.Key())

	differentDeps := base
	differentDeps.PinnedDeps = []string{"a", "b"}
	assert.NotEqual(t, base.Key(), differentDeps.Key())

	// Section boundaries matter: a dep is not an MCP package.
	swapped := SnapshotSpec{BaseImageVersion: "v1", MCPPackages: []string{"a"}}
	assert.NotEqual(t, base.Key(), swapped.Key())
}

func TestSnapshotKeyDoesNotMutateSpec(t *testing.T) {
	spec := SnapshotSpec{PinnedDeps: []string{"z", "a"}}
	_ = spec.Key()
	assert.Equal(t, []string{"z", "a"}, spec.PinnedDeps)
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]string{"key1": "tpl-snapshot-1"})
	assert.Equal(t, "tpl-snapshot-1", r.Resolve("key1"))
	assert.Empty(t, r.Resolve("unknown"))

	var nilResolver *StaticResolver
	assert.Empty(t, nilResolver.Resolve("key1"))
}
