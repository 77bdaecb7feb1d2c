// Package stream translates executor events into the AG-UI event vocabulary
// and frames them as Server-Sent Events.
package stream

import (
	"github.com/flowmesh/flowmesh/pkg/graph"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// AG-UI event kinds.
const (
	EventMessageChunk            = "message_chunk"
	EventToolCallChunks          = "tool_call_chunks"
	EventToolCalls               = "tool_calls"
	EventToolCallResult          = "tool_call_result"
	EventReasoningStart          = "reasoning_start"
	EventReasoningMessageStart   = "reasoning_message_start"
	EventReasoningMessageContent = "reasoning_message_content"
	EventReasoningMessageEnd     = "reasoning_message_end"
	EventReasoningEnd            = "reasoning_end"
	EventInterrupt               = "interrupt"
	EventError                   = "error"
)

// Finish reasons carried on the trailing event of a stream.
const (
	FinishStop      = "stop"
	FinishInterrupt = "interrupt"
	FinishError     = "error"
	FinishToolCalls = "tool_calls"
)

// MessageChunkPayload is the payload of message_chunk and the reasoning
// message events. Empty content fields are omitted from the wire.
type MessageChunkPayload struct {
	ThreadID         string      `json:"thread_id"`
	ID               string      `json:"id"`
	Role             models.Role `json:"role"`
	Content          string      `json:"content,omitempty"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
	FinishReason     string      `json:"finish_reason,omitempty"`
}

// ToolCallChunksPayload carries raw tool-call fragments.
type ToolCallChunksPayload struct {
	ThreadID   string                        `json:"thread_id"`
	ID         string                        `json:"id"`
	Role       models.Role                   `json:"role"`
	ToolChunks []graph.ToolCallChunkFragment `json:"tool_call_chunks"`
}

// ToolCallsPayload announces completed tool calls.
type ToolCallsPayload struct {
	ThreadID  string            `json:"thread_id"`
	ID        string            `json:"id"`
	Role      models.Role       `json:"role"`
	ToolCalls []models.ToolCall `json:"tool_calls"`
}

// ToolCallResultPayload carries one tool result.
type ToolCallResultPayload struct {
	ThreadID   string `json:"thread_id"`
	ID         string `json:"id"`
	Role       models.Role `json:"role"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content,omitempty"`
}

// InterruptOption is one selectable decision on an interrupt event.
type InterruptOption struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// InterruptPayload pauses the client for a human decision. The interrupt
// request value passes through verbatim.
type InterruptPayload struct {
	ThreadID     string            `json:"thread_id"`
	ID           string            `json:"id"`
	Role         models.Role       `json:"role"`
	Value        map[string]any    `json:"value,omitempty"`
	FinishReason string            `json:"finish_reason"`
	Options      []InterruptOption `json:"options,omitempty"`
}

// ErrorPayload reports a stream failure. Never includes stack traces.
type ErrorPayload struct {
	ThreadID string `json:"thread_id"`
	Error    string `json:"error"`
}
