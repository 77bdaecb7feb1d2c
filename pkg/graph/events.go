package graph

import (
	"github.com/flowmesh/flowmesh/pkg/models"
)

// Event is one element of an executor stream. The stream adapter translates
// these into the AG-UI vocabulary; the executor stays protocol-agnostic.
type Event interface {
	isEvent()
}

// MessageChunkEvent is a delta of assistant output for a message.
type MessageChunkEvent struct {
	ThreadID  string
	MessageID string
	Role      models.Role
	Delta     string
	Reasoning string // reasoning delta, exclusive with Delta
}

// ToolCallChunkFragment mirrors a provider fragment for live display.
type ToolCallChunkFragment struct {
	Index     *int   `json:"index,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

// ToolCallChunksEvent forwards raw tool-call fragments while reassembly is
// still in progress.
type ToolCallChunksEvent struct {
	ThreadID  string
	MessageID string
	Chunks    []ToolCallChunkFragment
}

// ToolCallsEvent announces the fully reassembled tool calls of a message.
type ToolCallsEvent struct {
	ThreadID  string
	MessageID string
	ToolCalls []models.ToolCall
}

// ToolCallResultEvent carries the result of one completed tool call.
type ToolCallResultEvent struct {
	ThreadID   string
	ToolCallID string
	Content    string
}

// InterruptEvent pauses the stream awaiting a human decision.
// Value is the interrupt request, passed through verbatim.
type InterruptEvent struct {
	ThreadID string
	ID       string
	Kind     string // "" or "tool_authorization"
	Value    map[string]any
	Options  []string // allowed decisions
}

// ErrorEvent reports a failure. Message is sanitized for clients.
type ErrorEvent struct {
	ThreadID string
	Message  string
}

// FinishEvent terminates the stream with a reason
// ("stop", "interrupt", "error", "tool_calls").
type FinishEvent struct {
	ThreadID  string
	MessageID string
	Reason    string
}

func (*MessageChunkEvent) isEvent()   {}
func (*ToolCallChunksEvent) isEvent() {}
func (*ToolCallsEvent) isEvent()      {}
func (*ToolCallResultEvent) isEvent() {}
func (*InterruptEvent) isEvent()      {}
func (*ErrorEvent) isEvent()          {}
func (*FinishEvent) isEvent()         {}
