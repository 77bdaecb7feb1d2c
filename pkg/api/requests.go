package api

import (
	"github.com/flowmesh/flowmesh/pkg/mcp"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// ChatStreamRequest is the body of POST /chat/stream.
type ChatStreamRequest struct {
	Messages  []models.Message  `json:"messages"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Resources []models.Resource `json:"resources,omitempty"`

	MaxPlanIterations int    `json:"max_plan_iterations,omitempty"`
	MaxStepNum        int    `json:"max_step_num,omitempty"`
	AutoAcceptedPlan  bool   `json:"auto_accepted_plan,omitempty"`
	InterruptFeedback string `json:"interrupt_feedback,omitempty"`
	Locale            string `json:"locale,omitempty"`

	EnableBackgroundInvestigation bool `json:"enable_background_investigation,omitempty"`
	EnableWebSearch               bool `json:"enable_web_search,omitempty"`
	EnableDeepThinking            bool `json:"enable_deep_thinking,omitempty"`
	EnableClarification           bool `json:"enable_clarification,omitempty"`

	InterruptBeforeTools []string `json:"interrupt_before_tools,omitempty"`

	// MCPSettings attaches sandbox tools to the stream. Rejected with 403
	// when the deployment has MCP disabled.
	MCPSettings *MCPSettings `json:"mcp_settings,omitempty"`
}

// MCPSettings configures the per-stream tool connection.
type MCPSettings struct {
	UserAPIKey    string             `json:"user_api_key,omitempty"`
	ToolServerURL string             `json:"tool_server_url,omitempty"`
	Servers       []mcp.CustomServer `json:"servers,omitempty"`
}

// SandboxCreateRequest is the body of POST /agent/sandboxes/create.
type SandboxCreateRequest struct {
	UserID            string `json:"user_id,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	SandboxTemplateID string `json:"sandbox_template_id,omitempty"`
}

// SandboxConnectRequest is the body of POST /agent/sandboxes/connect.
type SandboxConnectRequest struct {
	SandboxID string `json:"sandbox_id"`
}

// SandboxRunCmdRequest is the body of POST /agent/sandboxes/run-cmd.
type SandboxRunCmdRequest struct {
	SandboxID  string `json:"sandbox_id"`
	Command    string `json:"command"`
	Background bool   `json:"background,omitempty"`
}

// SandboxFileRequest covers write-file and read-file.
type SandboxFileRequest struct {
	SandboxID string `json:"sandbox_id"`
	FilePath  string `json:"file_path"`
	Content   string `json:"content,omitempty"`
}

// PaymentWebhookRequest is the body of POST /webhooks/payment.
type PaymentWebhookRequest struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	AccountID string  `json:"account_id"`
	Amount    float64 `json:"amount"`
	Expiring  bool    `json:"expiring,omitempty"`
}
