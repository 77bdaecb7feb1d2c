package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/flowmesh/flowmesh/pkg/graph"
	"github.com/flowmesh/flowmesh/pkg/mcp"
	"github.com/flowmesh/flowmesh/pkg/sandbox"
	"github.com/flowmesh/flowmesh/pkg/stream"
)

// chatStreamHandler handles POST /chat/stream. The response is an SSE
// stream of AG-UI events ending with a finish_reason.
func (s *Server) chatStreamHandler(c *echo.Context) error {
	var req ChatStreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MCPSettings != nil && !s.cfg.Agent.MCPEnabled {
		return echo.NewHTTPError(http.StatusForbidden, "MCP tool configuration is disabled")
	}
	if len(req.Messages) == 0 && req.InterruptFeedback == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "messages are required")
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	input, err := buildInput(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()

	if err := s.chargeStream(ctx, userID(c), threadID); err != nil {
		return mapDomainError(err)
	}

	var tools graph.ToolRunner
	if req.MCPSettings != nil {
		session, err := s.connectTools(c, threadID, req.MCPSettings)
		if err != nil {
			return mapDomainError(err)
		}
		defer session.Close()
		tools = mcp.NewRunner(session)
	}

	executor := graph.NewExecutor(s.checkpoints, s.llm, tools, s.cfg.Agent.RecursionLimit)
	events, err := executor.Stream(ctx, input, graph.StreamConfig{
		ThreadID:                      threadID,
		Resources:                     req.Resources,
		MaxPlanIterations:             req.MaxPlanIterations,
		MaxStepNum:                    req.MaxStepNum,
		AutoAcceptedPlan:              req.AutoAcceptedPlan,
		InterruptFeedback:             req.InterruptFeedback,
		Locale:                        req.Locale,
		EnableBackgroundInvestigation: req.EnableBackgroundInvestigation,
		EnableWebSearch:               req.EnableWebSearch,
		EnableDeepThinking:            req.EnableDeepThinking,
		EnableClarification:           req.EnableClarification,
		InterruptBeforeTools:          req.InterruptBeforeTools,
	})
	if err != nil {
		return mapDomainError(err)
	}

	sse := stream.NewSSEWriter(c.Response())
	adapter := stream.NewAdapter(sse)
	if err := adapter.Pipe(ctx, events); err != nil {
		// Headers are gone; the client disconnecting mid-stream is routine.
		s.logger.Debug("stream ended early", "thread_id", threadID, "error", err)
	}
	return nil
}

// chargeStream debits the per-request price before any model work starts.
// A shortfall surfaces as 402 with the balance breakdown; a zero cost
// disables charging entirely.
func (s *Server) chargeStream(ctx context.Context, accountID, threadID string) error {
	cost := s.cfg.Credits.StreamCost
	if cost <= 0 {
		return nil
	}
	if err := s.ledger.EnsureAccount(ctx, accountID, "free"); err != nil {
		return err
	}
	_, err := s.ledger.Deduct(ctx, accountID, cost, "chat stream",
		map[string]any{"thread_id": threadID}, false)
	return err
}

// buildInput converts the request into executor input: fresh messages, or a
// resume decision when interrupt_feedback is present. The latest message's
// text rides along as the decision feedback.
func buildInput(req *ChatStreamRequest) (graph.Input, error) {
	if req.InterruptFeedback == "" {
		return graph.Input{Messages: req.Messages}, nil
	}

	decisionType, err := feedbackDecision(req.InterruptFeedback)
	if err != nil {
		return graph.Input{}, err
	}
	decision := &graph.Decision{Type: decisionType}
	if len(req.Messages) > 0 {
		decision.Feedback = req.Messages[len(req.Messages)-1].Text()
	}
	return graph.Input{Resume: decision}, nil
}

func feedbackDecision(feedback string) (graph.DecisionType, error) {
	switch feedback {
	case "accepted", "approve", "approved":
		return graph.DecisionApprove, nil
	case "edit", "edit_plan":
		return graph.DecisionEdit, nil
	case "reject", "rejected":
		return graph.DecisionReject, nil
	}
	return "", fmt.Errorf("unknown interrupt_feedback %q", feedback)
}

// connectTools brings up the session's sandbox and configures its MCP
// connection: credentials and tool server URL first, then custom servers.
func (s *Server) connectTools(c *echo.Context, threadID string, settings *MCPSettings) (*mcp.Session, error) {
	ctx := c.Request().Context()

	sb, err := s.sandboxes.GetOrCreate(ctx, userID(c), threadID, sandbox.SnapshotSpec{})
	if err != nil {
		return nil, err
	}

	session := mcp.NewSession(sb.MCPURL, mcp.WithCallTimeout(s.cfg.Agent.MCPTimeout))
	if err := session.Configure(ctx, mcp.Credentials{
		UserAPIKey: settings.UserAPIKey,
		SessionID:  threadID,
	}, settings.ToolServerURL); err != nil {
		return nil, err
	}

	for i := range settings.Servers {
		if err := session.RegisterCustom(ctx, &settings.Servers[i]); err != nil {
			_ = session.Close()
			return nil, err
		}
	}
	return session, nil
}
