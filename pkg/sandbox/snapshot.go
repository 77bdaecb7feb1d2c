package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SnapshotSpec identifies an environment build: the base image version plus
// the dependency and MCP package sets baked into it. Two specs with the same
// contents always resolve to the same snapshot key, regardless of ordering.
type SnapshotSpec struct {
	BaseImageVersion string
	PinnedDeps       []string
	MCPPackages      []string
}

// Key returns a deterministic digest of the spec, used to look up a
// prebuilt snapshot. Creation falls back to the base template when no
// snapshot matches.
func (s SnapshotSpec) Key() string {
	deps := append([]string(nil), s.PinnedDeps...)
	sort.Strings(deps)
	pkgs := append([]string(nil), s.MCPPackages...)
	sort.Strings(pkgs)

	h := sha256.New()
	h.Write([]byte(s.BaseImageVersion))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(deps, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(pkgs, "\n")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// SnapshotResolver maps a spec key to a provider snapshot/template id.
// The static resolver serves a fixed catalog; providers with a snapshot API
// can implement a live one.
type SnapshotResolver interface {
	// Resolve returns the template id for key, or "" when none exists.
	Resolve(key string) string
}

// StaticResolver resolves from an in-memory catalog.
type StaticResolver struct {
	catalog map[string]string
}

// NewStaticResolver builds a resolver over a key → template id catalog.
func NewStaticResolver(catalog map[string]string) *StaticResolver {
	return &StaticResolver{catalog: catalog}
}

// Resolve implements SnapshotResolver.
func (r *StaticResolver) Resolve(key string) string {
	if r == nil {
		return ""
	}
	return r.catalog[key]
}
