package models

import (
	"fmt"
	"time"
)

// SandboxStatus is the lifecycle state of a sandbox.
type SandboxStatus string

// Sandbox lifecycle states.
const (
	SandboxInitializing SandboxStatus = "initializing"
	SandboxRunning      SandboxStatus = "running"
	SandboxPaused       SandboxStatus = "paused"
	SandboxStopped      SandboxStatus = "stopped"
	SandboxDeleted      SandboxStatus = "deleted"
	SandboxFailed       SandboxStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SandboxStatus) Terminal() bool {
	return s == SandboxDeleted || s == SandboxFailed
}

// sandboxTransitions enumerates the legal state machine edges.
var sandboxTransitions = map[SandboxStatus][]SandboxStatus{
	SandboxInitializing: {SandboxRunning, SandboxFailed},
	SandboxRunning:      {SandboxPaused, SandboxStopped, SandboxDeleted, SandboxFailed},
	SandboxPaused:       {SandboxRunning, SandboxStopped, SandboxDeleted},
	SandboxStopped:      {SandboxRunning, SandboxDeleted},
}

// ValidateSandboxTransition returns an error for illegal transitions.
func ValidateSandboxTransition(from, to SandboxStatus) error {
	for _, allowed := range sandboxTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("illegal sandbox transition %s → %s", from, to)
}

// Sandbox is the persisted record of an isolated compute instance.
// ProviderSandboxID is opaque and only interpretable by the provider.
type Sandbox struct {
	ID                string        `json:"sandbox_id"`
	ProviderSandboxID string        `json:"provider_sandbox_id"`
	UserID            string        `json:"user_id"`
	SessionID         string        `json:"session_id,omitempty"`
	Status            SandboxStatus `json:"status"`
	TemplateID        string        `json:"template_id,omitempty"`
	SnapshotID        string        `json:"snapshot_id,omitempty"`
	MCPURL            string        `json:"mcp_url,omitempty"`
	VSCodeURL         string        `json:"vscode_url,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
}
