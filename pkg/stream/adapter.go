package stream

import (
	"context"

	"github.com/flowmesh/flowmesh/pkg/graph"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// EventSink receives AG-UI events. Satisfied by SSEWriter; tests use an
// in-memory sink.
type EventSink interface {
	WriteEvent(kind string, payload any) error
}

// Adapter converts one executor event stream into AG-UI events.
// Within a stream: reasoning events for a message precede its message
// chunks, tool_call_chunks precede tool_calls precede the matching
// tool_call_result, and the trailing event carries a finish_reason.
type Adapter struct {
	sink EventSink

	reasoningOpen   bool
	reasoningMsgID  string
	lastMessageID   string
	lastRole        models.Role
}

// NewAdapter builds an adapter over a sink.
func NewAdapter(sink EventSink) *Adapter {
	return &Adapter{sink: sink}
}

// Pipe drains executor events into the sink until the channel closes or ctx
// is canceled. A write error (client gone) stops the pipe silently; the
// executor observes the cancellation at its next suspension point.
func (a *Adapter) Pipe(ctx context.Context, events <-chan graph.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return a.closeReasoning()
			}
			if err := a.emit(ev); err != nil {
				return err
			}
		}
	}
}

func (a *Adapter) emit(ev graph.Event) error {
	switch e := ev.(type) {
	case *graph.MessageChunkEvent:
		return a.emitMessageChunk(e)

	case *graph.ToolCallChunksEvent:
		if err := a.closeReasoning(); err != nil {
			return err
		}
		a.track(e.MessageID, models.RoleAssistant)
		return a.sink.WriteEvent(EventToolCallChunks, &ToolCallChunksPayload{
			ThreadID:   e.ThreadID,
			ID:         e.MessageID,
			Role:       models.RoleAssistant,
			ToolChunks: e.Chunks,
		})

	case *graph.ToolCallsEvent:
		a.track(e.MessageID, models.RoleAssistant)
		return a.sink.WriteEvent(EventToolCalls, &ToolCallsPayload{
			ThreadID:  e.ThreadID,
			ID:        e.MessageID,
			Role:      models.RoleAssistant,
			ToolCalls: e.ToolCalls,
		})

	case *graph.ToolCallResultEvent:
		return a.sink.WriteEvent(EventToolCallResult, &ToolCallResultPayload{
			ThreadID:   e.ThreadID,
			ID:         e.ToolCallID,
			Role:       models.RoleTool,
			ToolCallID: e.ToolCallID,
			Content:    e.Content,
		})

	case *graph.InterruptEvent:
		if err := a.closeReasoning(); err != nil {
			return err
		}
		return a.sink.WriteEvent(EventInterrupt, &InterruptPayload{
			ThreadID:     e.ThreadID,
			ID:           e.ID,
			Role:         models.RoleAssistant,
			Value:        e.Value,
			FinishReason: FinishInterrupt,
			Options:      decisionOptions(e.Options),
		})

	case *graph.ErrorEvent:
		if err := a.closeReasoning(); err != nil {
			return err
		}
		return a.sink.WriteEvent(EventError, &ErrorPayload{
			ThreadID: e.ThreadID,
			Error:    e.Message,
		})

	case *graph.FinishEvent:
		if err := a.closeReasoning(); err != nil {
			return err
		}
		// The interrupt payload already carried its finish reason.
		if e.Reason == FinishInterrupt {
			return nil
		}
		id := e.MessageID
		if id == "" {
			id = a.lastMessageID
		}
		role := a.lastRole
		if role == "" {
			role = models.RoleAssistant
		}
		return a.sink.WriteEvent(EventMessageChunk, &MessageChunkPayload{
			ThreadID:     e.ThreadID,
			ID:           id,
			Role:         role,
			FinishReason: e.Reason,
		})
	}
	return nil
}

// emitMessageChunk routes text deltas to message_chunk and reasoning deltas
// to the reasoning_* envelope, opening and closing it as content switches.
func (a *Adapter) emitMessageChunk(e *graph.MessageChunkEvent) error {
	a.track(e.MessageID, e.Role)

	if e.Reasoning != "" {
		if !a.reasoningOpen {
			a.reasoningOpen = true
			a.reasoningMsgID = e.MessageID
			base := &MessageChunkPayload{ThreadID: e.ThreadID, ID: e.MessageID, Role: e.Role}
			if err := a.sink.WriteEvent(EventReasoningStart, base); err != nil {
				return err
			}
			if err := a.sink.WriteEvent(EventReasoningMessageStart, base); err != nil {
				return err
			}
		}
		return a.sink.WriteEvent(EventReasoningMessageContent, &MessageChunkPayload{
			ThreadID:         e.ThreadID,
			ID:               e.MessageID,
			Role:             e.Role,
			ReasoningContent: e.Reasoning,
		})
	}

	if err := a.closeReasoning(); err != nil {
		return err
	}
	return a.sink.WriteEvent(EventMessageChunk, &MessageChunkPayload{
		ThreadID: e.ThreadID,
		ID:       e.MessageID,
		Role:     e.Role,
		Content:  e.Delta,
	})
}

func (a *Adapter) closeReasoning() error {
	if !a.reasoningOpen {
		return nil
	}
	a.reasoningOpen = false
	base := &MessageChunkPayload{ID: a.reasoningMsgID, Role: models.RoleAssistant}
	if err := a.sink.WriteEvent(EventReasoningMessageEnd, base); err != nil {
		return err
	}
	return a.sink.WriteEvent(EventReasoningEnd, base)
}

func (a *Adapter) track(messageID string, role models.Role) {
	a.lastMessageID = messageID
	a.lastRole = role
}

func decisionOptions(allowed []string) []InterruptOption {
	out := make([]InterruptOption, 0, len(allowed))
	for _, d := range allowed {
		out = append(out, InterruptOption{Text: optionLabel(d), Value: d})
	}
	return out
}

func optionLabel(decision string) string {
	switch decision {
	case "approve":
		return "Approve"
	case "edit":
		return "Edit"
	case "reject":
		return "Reject"
	}
	return decision
}
