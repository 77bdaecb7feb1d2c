package models

import (
	"fmt"
)

// Resource is a retrieval handle attached to a thread (RAG documents,
// uploaded files, and similar). Opaque to the executor.
type Resource struct {
	URI         string `json:"uri"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// StateKey is an extension key allowed in GraphState.Extra.
// Unknown keys are rejected at checkpoint write time to prevent schema drift.
type StateKey string

// Allowed extension keys.
const (
	StateKeyGoto                StateKey = "goto"
	StateKeyFeedback            StateKey = "feedback"
	StateKeyClarificationRounds StateKey = "clarification_rounds"
	StateKeyInvestigationNotes  StateKey = "investigation_notes"
	StateKeyPlanIterations      StateKey = "plan_iterations"
)

var allowedStateKeys = map[StateKey]bool{
	StateKeyGoto:                true,
	StateKeyFeedback:            true,
	StateKeyClarificationRounds: true,
	StateKeyInvestigationNotes:  true,
	StateKeyPlanIterations:      true,
}

// GraphState is the evolving state of a thread's agent graph.
// Typed fields cover the common channels; Extra carries the small set of
// runtime-added values, restricted to the StateKey enum.
type GraphState struct {
	Messages  []Message  `json:"messages"`
	Resources []Resource `json:"resources,omitempty"`

	// Workflow flags.
	EnableBackgroundInvestigation bool `json:"enable_background_investigation,omitempty"`
	EnableWebSearch               bool `json:"enable_web_search,omitempty"`
	EnableDeepThinking            bool `json:"enable_deep_thinking,omitempty"`
	EnableClarification           bool `json:"enable_clarification,omitempty"`

	// Goto is the next node to run, set by node routing.
	Goto string `json:"goto,omitempty"`

	Extra map[StateKey]any `json:"extra,omitempty"`
}

// Clone returns a deep-enough copy for checkpoint isolation: slices and the
// extra map are copied, message content is value-copied.
func (s GraphState) Clone() GraphState {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	for i := range out.Messages {
		out.Messages[i].Content = append([]ContentBlock(nil), s.Messages[i].Content...)
		out.Messages[i].ToolCalls = append([]ToolCall(nil), s.Messages[i].ToolCalls...)
	}
	out.Resources = append([]Resource(nil), s.Resources...)
	if s.Extra != nil {
		out.Extra = make(map[StateKey]any, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Validate rejects extension keys outside the allowed enum.
func (s GraphState) Validate() error {
	for k := range s.Extra {
		if !allowedStateKeys[k] {
			return fmt.Errorf("unknown state key %q", k)
		}
	}
	return nil
}

// LastMessage returns the newest message, or nil when empty.
func (s *GraphState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// LastUserMessage returns the newest user message, or nil.
func (s *GraphState) LastUserMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return &s.Messages[i]
		}
	}
	return nil
}
