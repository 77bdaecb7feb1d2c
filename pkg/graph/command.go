package graph

import (
	"fmt"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// DecisionType is a human response to an interrupt.
type DecisionType string

// Interrupt decisions.
const (
	DecisionApprove DecisionType = "approve"
	DecisionEdit    DecisionType = "edit"
	DecisionReject  DecisionType = "reject"
)

// Decision is the resume value delivered to a suspended node.
type Decision struct {
	Type     DecisionType `json:"type"`
	Feedback string       `json:"feedback,omitempty"`
	Answers  []string     `json:"answers,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Validate checks the decision against the allowed set from the interrupt.
func (d Decision) Validate(allowed []string) error {
	switch d.Type {
	case DecisionApprove, DecisionEdit, DecisionReject:
	default:
		return fmt.Errorf("unknown decision type %q", d.Type)
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == string(d.Type) {
			return nil
		}
	}
	return fmt.Errorf("decision %q not in allowed set %v", d.Type, allowed)
}

// Input starts or resumes a stream: either fresh user messages or a Resume
// decision for a pending interrupt. Exactly one of the two is set.
type Input struct {
	Messages []models.Message
	Resume   *Decision
}

// InterruptRequest is what a node raises to pause for human input.
// ActionRequest carries the pending tool invocation for tool_authorization
// interrupts; RemainingCalls carries the rest of the turn's calls so a
// resume can finish the whole turn, not just the authorized call.
type InterruptRequest struct {
	Questions        []string          `json:"questions,omitempty"`
	AllowedDecisions []string          `json:"allowed_decisions,omitempty"`
	ActionRequest    *models.ToolCall  `json:"action_request,omitempty"`
	RemainingCalls   []models.ToolCall `json:"remaining_calls,omitempty"`
	ReviewConfig     map[string]any    `json:"review_config,omitempty"`
}

// Value renders the request as the verbatim payload of an interrupt event.
func (r InterruptRequest) Value() map[string]any {
	v := map[string]any{}
	if len(r.Questions) > 0 {
		v["questions"] = r.Questions
	}
	if len(r.AllowedDecisions) > 0 {
		v["allowed_decisions"] = r.AllowedDecisions
	}
	if r.ActionRequest != nil {
		v["action_request"] = map[string]any{
			"id":   r.ActionRequest.ID,
			"name": r.ActionRequest.Name,
			"args": r.ActionRequest.Args,
		}
	}
	if len(r.RemainingCalls) > 0 {
		v["remaining_calls"] = r.RemainingCalls
	}
	if r.ReviewConfig != nil {
		v["review_config"] = r.ReviewConfig
	}
	return v
}
