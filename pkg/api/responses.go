package api

import (
	"github.com/flowmesh/flowmesh/pkg/models"
)

// SandboxResponse is the wire form of a sandbox.
type SandboxResponse struct {
	SandboxID         string               `json:"sandbox_id"`
	ProviderSandboxID string               `json:"provider_sandbox_id"`
	MCPURL            string               `json:"mcp_url,omitempty"`
	VSCodeURL         string               `json:"vscode_url,omitempty"`
	Status            models.SandboxStatus `json:"status"`
}

func toSandboxResponse(sb *models.Sandbox) *SandboxResponse {
	return &SandboxResponse{
		SandboxID:         sb.ID,
		ProviderSandboxID: sb.ProviderSandboxID,
		MCPURL:            sb.MCPURL,
		VSCodeURL:         sb.VSCodeURL,
		Status:            sb.Status,
	}
}

// RunCmdResponse carries command output.
type RunCmdResponse struct {
	Output string `json:"output"`
}

// FileResponse carries file content for read-file.
type FileResponse struct {
	Content string `json:"content,omitempty"`
}

// BalanceResponse is the wire form of a credit balance.
type BalanceResponse struct {
	Total       float64 `json:"total"`
	Daily       float64 `json:"daily"`
	Expiring    float64 `json:"expiring"`
	NonExpiring float64 `json:"non_expiring"`
}

// WebhookResponse acknowledges an external event.
type WebhookResponse struct {
	Duplicate bool `json:"duplicate,omitempty"`
}

// HealthCheck is one component's health in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}
