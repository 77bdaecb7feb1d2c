// Package llm defines the streaming chat capability the graph executor
// consumes, plus a provider adapter. Vendor-specific behavior stays behind
// the Client interface; the executor only sees typed chunks on a channel.
package llm

import (
	"context"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// Client is a streaming chat capability.
// Generate returns immediately with a channel; the producer goroutine closes
// the channel when the stream ends or ctx is canceled.
type Client interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
}

// ToolSpec describes a callable tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// GenerateInput is a single streaming chat request.
type GenerateInput struct {
	Messages     []models.Message
	Tools        []ToolSpec
	EnableThinking bool
}

// Chunk is one element of an LLM stream.
type Chunk interface {
	isChunk()
}

// TextChunk is a delta of assistant text.
type TextChunk struct {
	Content string
}

// ReasoningChunk is a delta of model reasoning content.
type ReasoningChunk struct {
	Content string
}

// ToolCallChunk is an incremental fragment of a tool call. Providers emit
// arguments as character chunks; Index identifies which call a fragment
// belongs to when several calls are interleaved. Index is nil for providers
// that emit exactly one standalone call.
type ToolCallChunk struct {
	Index *int
	ID    string
	Name  string
	Args  string
}

// UsageChunk reports token accounting at end of stream.
type UsageChunk struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ErrorChunk terminates the stream with a provider error.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

// FinishChunk carries the provider finish reason ("stop", "tool_calls", ...).
type FinishChunk struct {
	Reason string
}

func (*TextChunk) isChunk()      {}
func (*ReasoningChunk) isChunk() {}
func (*ToolCallChunk) isChunk()  {}
func (*UsageChunk) isChunk()     {}
func (*ErrorChunk) isChunk()     {}
func (*FinishChunk) isChunk()    {}
