// Package models defines the domain types shared across the platform:
// conversation messages, graph state, sandboxes, credits, and webhook events.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType identifies the kind of a content block.
type BlockType string

// Content block types.
const (
	BlockTypeText      BlockType = "text"
	BlockTypeImage     BlockType = "image"
	BlockTypeReasoning BlockType = "reasoning"
	BlockTypeAudio     BlockType = "audio"
	BlockTypeFile      BlockType = "file"
)

// ContentBlock is a single typed element of a message's content.
// Exactly one of the payload fields is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text payload (text, reasoning).
	Text string `json:"text,omitempty"`

	// Media payload (image, audio, file). Either URL or Data+MimeType.
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	MimeType string `json:"mime_type,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// Message is one entry in a thread's conversation.
// Tool messages carry the ToolCallID of the assistant tool call they answer;
// assistant messages may carry the ToolCalls they emitted.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
}

// NewMessage builds a message with a fresh id and a single text block.
func NewMessage(role Role, text string) Message {
	return Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: []ContentBlock{TextBlock(text)},
	}
}

// Text concatenates all text and reasoning blocks of the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockTypeText || b.Type == BlockTypeReasoning {
			out += b.Text
		}
	}
	return out
}

// AppendText appends text to the last text block, creating one if needed.
func (m *Message) AppendText(text string) {
	if n := len(m.Content); n > 0 && m.Content[n-1].Type == BlockTypeText {
		m.Content[n-1].Text += text
		return
	}
	m.Content = append(m.Content, TextBlock(text))
}

// ToolCallState tracks a tool call through its lifetime.
type ToolCallState string

// Tool call states.
const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallExecuting ToolCallState = "executing"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallFailed    ToolCallState = "failed"
)

// ToolCall is a tool invocation requested by an assistant message.
// Args is the raw JSON argument document as emitted by the model.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	State  ToolCallState   `json:"state,omitempty"`
	Result string          `json:"result,omitempty"`
}

// ArgsMap decodes the call arguments into a generic map.
func (tc ToolCall) ArgsMap() (map[string]any, error) {
	if len(tc.Args) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(tc.Args, &m); err != nil {
		return nil, fmt.Errorf("tool call %s: invalid args: %w", tc.ID, err)
	}
	return m, nil
}

// ValidateToolLinkage checks that every tool message answers a known
// assistant tool call, and that no call is answered twice.
func ValidateToolLinkage(msgs []Message) error {
	calls := make(map[string]bool) // call id → answered
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				if _, ok := calls[tc.ID]; ok {
					return fmt.Errorf("duplicate tool call id %q", tc.ID)
				}
				calls[tc.ID] = false
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("tool message %s has no tool_call_id", m.ID)
			}
			answered, ok := calls[m.ToolCallID]
			if !ok {
				return fmt.Errorf("tool message %s answers unknown call %q", m.ID, m.ToolCallID)
			}
			if answered {
				return fmt.Errorf("tool call %q answered twice", m.ToolCallID)
			}
			calls[m.ToolCallID] = true
		}
	}
	return nil
}
