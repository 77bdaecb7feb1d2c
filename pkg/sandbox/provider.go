// Package sandbox manages the lifecycle of per-user compute sandboxes over
// a pluggable provider, with session-sticky reuse, queue-driven idle
// timeouts, and snapshot-accelerated creation.
package sandbox

import (
	"context"
)

// Instance is a live handle to a provider sandbox. Provider calls may block;
// the controller always invokes them with a bounded context.
type Instance interface {
	// ID is the provider's opaque identifier.
	ID() string

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Delete(ctx context.Context) error

	// ExposePort publishes a port and returns its public URL.
	ExposePort(ctx context.Context, port int) (string, error)

	// RunCmd executes a command; background commands return immediately.
	RunCmd(ctx context.Context, cmd string, background bool) (string, error)

	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	CreateDirectory(ctx context.Context, path string) error
}

// Provider creates and reattaches sandbox instances. Implementations adapt
// a remote compute vendor; the controller never interprets provider ids.
type Provider interface {
	// Create provisions a fresh sandbox from a template or snapshot.
	Create(ctx context.Context, userID, templateID string) (Instance, error)

	// Connect reattaches to an existing sandbox.
	Connect(ctx context.Context, providerSandboxID string) (Instance, error)
}

// HealthProber checks that a sandbox's MCP endpoint is serving.
// Implemented by the MCP package; injected to avoid a package cycle.
type HealthProber interface {
	Probe(ctx context.Context, mcpURL string) error
}
