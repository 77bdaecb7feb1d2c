// Package graph runs the agent state machine: a fixed graph of nodes driven
// against a thread's state, with durable checkpointing, streaming output,
// and interrupt/resume for human-in-the-loop decisions.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/checkpoint"
	"github.com/flowmesh/flowmesh/pkg/llm"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// Node names. The graph shape is fixed:
// START → background_investigator → base → human_feedback → {base | END}.
const (
	NodeStart                  = "__start__"
	NodeBackgroundInvestigator = "background_investigator"
	NodeBase                   = "base"
	NodeHumanFeedback          = "human_feedback"
	NodeEnd                    = "__end__"
)

// graphOrder positions nodes for resume checks: a resumed stream must start
// strictly later than the interrupted node.
var graphOrder = map[string]int{
	NodeStart:                  0,
	NodeBackgroundInvestigator: 1,
	NodeBase:                   2,
	NodeHumanFeedback:          3,
	NodeEnd:                    4,
}

// ErrRecursionExhausted terminates a stream that exceeded its node budget.
var ErrRecursionExhausted = errors.New("recursion limit exhausted")

// ErrNoPendingInterrupt rejects a Resume against a thread that is not
// awaiting human input.
var ErrNoPendingInterrupt = errors.New("thread has no pending interrupt")

// ToolRunner exposes the tools available to graph nodes. Implemented by the
// MCP executor; nil disables tools entirely.
type ToolRunner interface {
	// Specs lists tool specs offered to the model.
	Specs(ctx context.Context) ([]llm.ToolSpec, error)

	// Run executes one tool call and returns its content.
	Run(ctx context.Context, call models.ToolCall) (string, error)

	// RequiresConfirmation reports whether the tool's declared policy
	// demands human authorization before execution.
	RequiresConfirmation(name string) bool
}

// Executor drives graph execution for many threads concurrently.
// Within one thread execution is sequential; threads are isolated by id.
type Executor struct {
	store                 checkpoint.Store
	llm                   llm.Client
	tools                 ToolRunner
	defaultRecursionLimit int
	logger                *slog.Logger
}

// NewExecutor builds an executor over the given checkpoint store and
// streaming chat client. tools may be nil.
func NewExecutor(store checkpoint.Store, llmClient llm.Client, tools ToolRunner, recursionLimit int) *Executor {
	return &Executor{
		store:                 store,
		llm:                   llmClient,
		tools:                 tools,
		defaultRecursionLimit: recursionLimit,
		logger:                slog.Default(),
	}
}

// Stream starts or resumes a thread and returns its event sequence.
// The channel closes when the stream ends: on END, on interrupt, on error,
// or when ctx is canceled. After any event is delivered, state up to the
// producing step is checkpointed before any event of a later step.
func (e *Executor) Stream(ctx context.Context, input Input, cfg StreamConfig) (<-chan Event, error) {
	if cfg.ThreadID == "" {
		cfg.ThreadID = uuid.NewString()
	}
	if input.Resume == nil && len(input.Messages) == 0 {
		return nil, fmt.Errorf("stream requires messages or a resume decision")
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		e.run(ctx, ch, input, cfg)
	}()
	return ch, nil
}

// GetState reads the thread's latest checkpoint and the next pending node.
func (e *Executor) GetState(ctx context.Context, threadID string) (*checkpoint.Checkpoint, string, error) {
	cp, err := e.store.Latest(ctx, threadID, "")
	if err != nil {
		return nil, "", err
	}
	return cp, cp.Metadata.NextNode, nil
}

// UpdateState applies an administrative patch as a new checkpoint.
// Not used on the hot path.
func (e *Executor) UpdateState(ctx context.Context, threadID string, patch func(*models.GraphState) error) error {
	cp, err := e.store.Latest(ctx, threadID, "")
	if err != nil {
		return err
	}
	state := cp.State.Clone()
	if err := patch(&state); err != nil {
		return err
	}
	return e.store.Put(ctx, &checkpoint.Checkpoint{
		ThreadID:  threadID,
		Namespace: "",
		ID:        uuid.NewString(),
		ParentID:  cp.ID,
		State:     state,
		Metadata: checkpoint.Metadata{
			Step:     cp.Metadata.Step + 1,
			Source:   "update",
			NextNode: cp.Metadata.NextNode,
		},
	})
}

// execution is the per-stream mutable context of one run call.
type execution struct {
	cfg       StreamConfig
	state     models.GraphState
	step      int
	parentID  string
	remaining int
	finish    string // finish reason, set when the loop should stop
}

func (e *Executor) run(ctx context.Context, ch chan<- Event, input Input, cfg StreamConfig) {
	ex := &execution{
		cfg:       cfg,
		remaining: cfg.effectiveRecursionLimit(e.defaultRecursionLimit),
	}

	next, err := e.prepare(ctx, ch, ex, input)
	if err != nil {
		e.fail(ctx, ch, cfg.ThreadID, err)
		return
	}
	if ex.finish == "interrupt" {
		// Resuming raised a follow-up authorization; its checkpoint and
		// events are already out.
		return
	}

	for next != NodeEnd && ex.finish == "" {
		if ctx.Err() != nil {
			return
		}
		ex.remaining--
		if ex.remaining < 0 {
			e.fail(ctx, ch, cfg.ThreadID, ErrRecursionExhausted)
			return
		}

		var nodeErr error
		switch next {
		case NodeBackgroundInvestigator:
			next, nodeErr = e.runBackgroundInvestigator(ctx, ex)
		case NodeBase:
			next, nodeErr = e.runBase(ctx, ch, ex)
		case NodeHumanFeedback:
			next, nodeErr = e.runHumanFeedback(ctx, ch, ex)
		default:
			nodeErr = fmt.Errorf("unknown node %q", next)
		}
		if nodeErr != nil {
			// The failed step is not checkpointed; the thread stays at the
			// last successful checkpoint so the caller may retry.
			e.fail(ctx, ch, cfg.ThreadID, nodeErr)
			return
		}
		if ex.finish == "interrupt" {
			// Checkpoint with the pending interrupt was persisted by the
			// node before the interrupt event was emitted.
			return
		}

		if err := e.saveCheckpoint(ctx, ex, next, nil); err != nil {
			e.fail(ctx, ch, cfg.ThreadID, err)
			return
		}
	}

	if ex.finish == "" {
		ex.finish = "stop"
	}
	sendEvent(ctx, ch, &FinishEvent{ThreadID: cfg.ThreadID, Reason: ex.finish})
}

// prepare loads or initializes state and resolves the entry node.
func (e *Executor) prepare(ctx context.Context, ch chan<- Event, ex *execution, input Input) (string, error) {
	cp, err := e.store.Latest(ctx, ex.cfg.ThreadID, "")
	switch {
	case err == nil:
		ex.state = cp.State.Clone()
		ex.step = cp.Metadata.Step
		ex.parentID = cp.ID
	case errors.Is(err, checkpoint.ErrNotFound):
		if input.Resume != nil {
			return "", ErrNoPendingInterrupt
		}
		ex.state = models.GraphState{
			Resources:                     ex.cfg.Resources,
			EnableBackgroundInvestigation: ex.cfg.EnableBackgroundInvestigation,
			EnableWebSearch:               ex.cfg.EnableWebSearch,
			EnableDeepThinking:            ex.cfg.EnableDeepThinking,
			EnableClarification:           ex.cfg.EnableClarification,
		}
	default:
		return "", fmt.Errorf("checkpoint store unavailable: %w", err)
	}

	if input.Resume != nil {
		if cp == nil || cp.Metadata.Interrupt == nil {
			return "", ErrNoPendingInterrupt
		}
		next, err := e.applyDecision(ctx, ch, ex, cp.Metadata.Interrupt, *input.Resume)
		if err != nil {
			return "", err
		}
		if ex.finish == "interrupt" {
			// The decision was consumed but a later call in the same turn
			// raised its own authorization. That interrupt's checkpoint has
			// already superseded this one; a resume checkpoint here would
			// erase it.
			return NodeEnd, nil
		}
		// The resume checkpoint consumes the interrupt: a second Resume
		// against the same thread finds no pending interrupt, so a pending
		// tool call can never run twice.
		if err := e.saveCheckpointSource(ctx, ex, next, nil, "resume"); err != nil {
			return "", err
		}
		return next, nil
	}

	ex.state.Messages = append(ex.state.Messages, input.Messages...)
	if err := models.ValidateToolLinkage(ex.state.Messages); err != nil {
		return "", err
	}

	// Initial checkpoint makes the input durable before any node runs.
	if err := e.saveCheckpointSource(ctx, ex, e.entryNode(ex), nil, "input"); err != nil {
		return "", err
	}
	return e.entryNode(ex), nil
}

func (e *Executor) entryNode(ex *execution) string {
	if ex.cfg.EnableBackgroundInvestigation {
		return NodeBackgroundInvestigator
	}
	return NodeBase
}

// applyDecision delivers a resume decision to the suspended node and
// computes where execution continues. The resumed stream's first step is
// always strictly later in graph order than the interrupted node.
func (e *Executor) applyDecision(ctx context.Context, ch chan<- Event, ex *execution, intr *checkpoint.Interrupt, d Decision) (string, error) {
	allowed, _ := intr.Value["allowed_decisions"].([]string)
	if allowed == nil {
		if raw, ok := intr.Value["allowed_decisions"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					allowed = append(allowed, s)
				}
			}
		}
	}
	if err := d.Validate(allowed); err != nil {
		return "", err
	}

	if intr.Kind == "tool_authorization" {
		return e.resumeToolAuthorization(ctx, ch, ex, intr, d)
	}

	switch d.Type {
	case DecisionApprove:
		// Prior plan stands as-is; the feedback is folded into the last
		// user message rather than re-planned.
		if d.Feedback != "" {
			if last := ex.state.LastUserMessage(); last != nil {
				last.AppendText("\n" + d.Feedback)
			}
		}
		return NodeEnd, nil
	case DecisionReject:
		if d.Reason != "" {
			ex.state.Messages = append(ex.state.Messages,
				models.NewMessage(models.RoleUser, "Rejected: "+d.Reason))
		}
		return NodeEnd, nil
	case DecisionEdit:
		feedback := d.Feedback
		for _, a := range d.Answers {
			feedback += "\n" + a
		}
		ex.state.Messages = append(ex.state.Messages,
			models.NewMessage(models.RoleUser, feedback))
		ex.state.Extra = setExtra(ex.state.Extra, models.StateKeyFeedback, d.Feedback)
		return NodeBase, nil
	}
	return NodeEnd, nil
}

// resumeToolAuthorization continues a stream paused before a tool call.
// Approve executes the pending call; reject substitutes a synthetic result
// carrying the rejection reason. No duplicate invocation is possible: the
// pending call is consumed with the checkpointed interrupt. The turn's
// other calls ride along in the interrupt and finish here, so every call
// id in the assistant message ends up with a tool result.
func (e *Executor) resumeToolAuthorization(ctx context.Context, ch chan<- Event, ex *execution, intr *checkpoint.Interrupt, d Decision) (string, error) {
	call, err := pendingCall(intr)
	if err != nil {
		return "", err
	}
	remaining, err := remainingCalls(intr)
	if err != nil {
		return "", err
	}

	var content string
	switch d.Type {
	case DecisionApprove:
		content, err = e.runTool(ctx, *call)
		if err != nil {
			content = "Error: " + err.Error()
		}
	default:
		reason := d.Reason
		if reason == "" {
			reason = "rejected by user"
		}
		content = "Tool call rejected: " + reason
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleTool,
		Content:    []models.ContentBlock{models.TextBlock(content)},
		ToolCallID: call.ID,
	}
	if err := e.stageToolWrites(ctx, ex, []models.Message{msg}); err != nil {
		return "", err
	}
	ex.state.Messages = append(ex.state.Messages, msg)
	sendEvent(ctx, ch, &ToolCallResultEvent{
		ThreadID:   ex.cfg.ThreadID,
		ToolCallID: call.ID,
		Content:    content,
	})

	if len(remaining) > 0 {
		return e.executeToolCalls(ctx, ch, ex, remaining)
	}
	return NodeBase, nil
}

func pendingCall(intr *checkpoint.Interrupt) (*models.ToolCall, error) {
	raw, ok := intr.Value["action_request"]
	if !ok {
		return nil, fmt.Errorf("tool_authorization interrupt has no action_request")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var call models.ToolCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("invalid action_request: %w", err)
	}
	return &call, nil
}

// remainingCalls recovers the rest of the interrupted turn's calls. The
// value round-trips through checkpoint serialization, so it re-decodes
// from generic JSON.
func remainingCalls(intr *checkpoint.Interrupt) ([]models.ToolCall, error) {
	raw, ok := intr.Value["remaining_calls"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var calls []models.ToolCall
	if err := json.Unmarshal(data, &calls); err != nil {
		return nil, fmt.Errorf("invalid remaining_calls: %w", err)
	}
	return calls, nil
}

// runBackgroundInvestigator enriches state with a web search over the last
// user message before the base node plans. Tool failures are non-fatal.
func (e *Executor) runBackgroundInvestigator(ctx context.Context, ex *execution) (string, error) {
	if e.tools == nil || !ex.cfg.EnableWebSearch {
		return NodeBase, nil
	}
	last := ex.state.LastUserMessage()
	if last == nil {
		return NodeBase, nil
	}

	args, _ := json.Marshal(map[string]any{"query": last.Text()})
	result, err := e.runTool(ctx, models.ToolCall{
		ID:   "investigation_" + uuid.NewString(),
		Name: "web_search",
		Args: args,
	})
	if err != nil {
		e.logger.Warn("background investigation failed", "thread_id", ex.cfg.ThreadID, "error", err)
		return NodeBase, nil
	}
	ex.state.Extra = setExtra(ex.state.Extra, models.StateKeyInvestigationNotes, result)
	return NodeBase, nil
}

// runBase performs one LLM turn: stream text, reassemble tool calls, then
// either execute the calls and loop, or emit the terminal message.
func (e *Executor) runBase(ctx context.Context, ch chan<- Event, ex *execution) (string, error) {
	input := &llm.GenerateInput{
		Messages:       e.promptMessages(ex),
		EnableThinking: ex.cfg.EnableDeepThinking,
	}
	if e.tools != nil {
		specs, err := e.tools.Specs(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list tools: %w", err)
		}
		input.Tools = specs
	}

	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := e.llm.Generate(llmCtx, input)
	if err != nil {
		return "", fmt.Errorf("LLM generate failed: %w", err)
	}

	messageID := uuid.NewString()
	assembler := newToolCallAssembler()
	assistant := models.Message{ID: messageID, Role: models.RoleAssistant}

	for chunk := range stream {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			assistant.AppendText(c.Content)
			sendEvent(ctx, ch, &MessageChunkEvent{
				ThreadID:  ex.cfg.ThreadID,
				MessageID: messageID,
				Role:      models.RoleAssistant,
				Delta:     c.Content,
			})
		case *llm.ReasoningChunk:
			assistant.Content = append(assistant.Content, models.ContentBlock{
				Type: models.BlockTypeReasoning, Text: c.Content,
			})
			sendEvent(ctx, ch, &MessageChunkEvent{
				ThreadID:  ex.cfg.ThreadID,
				MessageID: messageID,
				Role:      models.RoleAssistant,
				Reasoning: c.Content,
			})
		case *llm.ToolCallChunk:
			assembler.Add(c)
			sendEvent(ctx, ch, &ToolCallChunksEvent{
				ThreadID:  ex.cfg.ThreadID,
				MessageID: messageID,
				Chunks: []ToolCallChunkFragment{{
					Index: c.Index, ID: c.ID, Name: c.Name, ArgsDelta: c.Args,
				}},
			})
		case *llm.ErrorChunk:
			return "", fmt.Errorf("LLM stream error: %s", c.Message)
		case *llm.FinishChunk, *llm.UsageChunk:
			// Bookkeeping only; reassembly completion drives routing.
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if assembler.Empty() {
		ex.state.Messages = append(ex.state.Messages, assistant)
		if ex.cfg.AutoAcceptedPlan {
			return NodeEnd, nil
		}
		return NodeHumanFeedback, nil
	}

	calls := assembler.Calls()
	assistant.ToolCalls = calls
	ex.state.Messages = append(ex.state.Messages, assistant)
	sendEvent(ctx, ch, &ToolCallsEvent{
		ThreadID:  ex.cfg.ThreadID,
		MessageID: messageID,
		ToolCalls: calls,
	})

	return e.executeToolCalls(ctx, ch, ex, calls)
}

// executeToolCalls runs the turn's tool calls. Calls requiring human
// authorization interrupt the stream before execution; the rest run
// concurrently with results appended in call order.
func (e *Executor) executeToolCalls(ctx context.Context, ch chan<- Event, ex *execution, calls []models.ToolCall) (string, error) {
	for i, call := range calls {
		if ex.cfg.interruptsBefore(call.Name) || (e.tools != nil && e.tools.RequiresConfirmation(call.Name)) {
			// The whole turn pauses with the first call needing approval;
			// the siblings travel in the interrupt so the resume can finish
			// them and answer every call id.
			remaining := make([]models.ToolCall, 0, len(calls)-1)
			remaining = append(remaining, calls[:i]...)
			remaining = append(remaining, calls[i+1:]...)
			return "", e.interrupt(ctx, ch, ex, checkpoint.Interrupt{
				TaskID: uuid.NewString(),
				Kind:   "tool_authorization",
				Value: InterruptRequest{
					AllowedDecisions: []string{"approve", "reject"},
					ActionRequest:    &call,
					RemainingCalls:   remaining,
				}.Value(),
			})
		}
	}

	type result struct {
		idx     int
		content string
	}
	results := make([]result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			content, err := e.runTool(ctx, call)
			if err != nil {
				// Tool errors surface as result content; the graph continues.
				content = "Error: " + err.Error()
			}
			results[i] = result{idx: i, content: content}
		}(i, call)
	}
	wg.Wait()
	if ctx.Err() != nil {
		// In-flight invocations finished, but the stream is gone; results
		// are dropped and the canceled step is not checkpointed.
		return "", ctx.Err()
	}

	sort.Slice(results, func(a, b int) bool { return results[a].idx < results[b].idx })
	msgs := make([]models.Message, len(results))
	for i, r := range results {
		msgs[i] = models.Message{
			ID:         uuid.NewString(),
			Role:       models.RoleTool,
			Content:    []models.ContentBlock{models.TextBlock(r.content)},
			ToolCallID: calls[i].ID,
		}
	}
	if err := e.stageToolWrites(ctx, ex, msgs); err != nil {
		return "", err
	}
	for i, m := range msgs {
		ex.state.Messages = append(ex.state.Messages, m)
		sendEvent(ctx, ch, &ToolCallResultEvent{
			ThreadID:   ex.cfg.ThreadID,
			ToolCallID: calls[i].ID,
			Content:    m.Text(),
		})
	}
	return NodeBase, nil
}

// stageToolWrites journals finished tool results against the last durable
// checkpoint. A crash before the step's own checkpoint lands leaves the
// results replayable instead of re-invoking the tools.
func (e *Executor) stageToolWrites(ctx context.Context, ex *execution, msgs []models.Message) error {
	if ex.parentID == "" {
		return nil
	}
	writes := make([]checkpoint.PendingWrite, 0, len(msgs))
	for i, m := range msgs {
		blob, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode tool result: %w", err)
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  m.ToolCallID,
			Idx:     i,
			Channel: "messages",
			Type:    "tool_result",
			Blob:    blob,
		})
	}
	return e.store.PutWrites(ctx, ex.cfg.ThreadID, "", ex.parentID, writes)
}

// runHumanFeedback pauses for plan review unless the plan is auto-accepted.
func (e *Executor) runHumanFeedback(ctx context.Context, ch chan<- Event, ex *execution) (string, error) {
	if ex.cfg.AutoAcceptedPlan {
		return NodeEnd, nil
	}
	return "", e.interrupt(ctx, ch, ex, checkpoint.Interrupt{
		TaskID: uuid.NewString(),
		Value: InterruptRequest{
			Questions:        []string{"Please review the plan."},
			AllowedDecisions: []string{"approve", "edit", "reject"},
		}.Value(),
	})
}

// interrupt persists a checkpoint carrying the pending interrupt, then
// emits the interrupt event and ends the stream. Ordering matters: the
// checkpoint must be durable before the client can act on the event.
func (e *Executor) interrupt(ctx context.Context, ch chan<- Event, ex *execution, intr checkpoint.Interrupt) error {
	if err := e.saveCheckpoint(ctx, ex, NodeHumanFeedback, &intr); err != nil {
		return err
	}

	options, _ := intr.Value["allowed_decisions"].([]string)
	sendEvent(ctx, ch, &InterruptEvent{
		ThreadID: ex.cfg.ThreadID,
		ID:       intr.TaskID,
		Kind:     intr.Kind,
		Value:    intr.Value,
		Options:  options,
	})
	sendEvent(ctx, ch, &FinishEvent{ThreadID: ex.cfg.ThreadID, Reason: "interrupt"})
	ex.finish = "interrupt"
	return nil
}

func (e *Executor) runTool(ctx context.Context, call models.ToolCall) (string, error) {
	if e.tools == nil {
		return "", fmt.Errorf("no tools configured")
	}
	return e.tools.Run(ctx, call)
}

// promptMessages renders state for the model, folding investigation notes
// into a system preamble.
func (e *Executor) promptMessages(ex *execution) []models.Message {
	msgs := ex.state.Messages
	notes, _ := ex.state.Extra[models.StateKeyInvestigationNotes].(string)
	if notes == "" {
		return msgs
	}
	out := make([]models.Message, 0, len(msgs)+1)
	out = append(out, models.NewMessage(models.RoleSystem,
		"Background investigation results:\n"+notes))
	return append(out, msgs...)
}

func (e *Executor) saveCheckpoint(ctx context.Context, ex *execution, nextNode string, intr *checkpoint.Interrupt) error {
	return e.saveCheckpointSource(ctx, ex, nextNode, intr, "loop")
}

func (e *Executor) saveCheckpointSource(ctx context.Context, ex *execution, nextNode string, intr *checkpoint.Interrupt, source string) error {
	ex.step++
	cp := &checkpoint.Checkpoint{
		ThreadID:  ex.cfg.ThreadID,
		Namespace: "",
		ID:        uuid.NewString(),
		ParentID:  ex.parentID,
		State:     ex.state.Clone(),
		Metadata: checkpoint.Metadata{
			Step:      ex.step,
			Source:    source,
			NextNode:  nextNode,
			Interrupt: intr,
		},
	}
	if err := e.store.Put(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint write failed: %w", err)
	}
	ex.parentID = cp.ID
	return nil
}

// fail converts a node error into a sanitized error event. Context
// cancellation ends the stream silently.
func (e *Executor) fail(ctx context.Context, ch chan<- Event, threadID string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	e.logger.Error("stream failed", "thread_id", threadID, "error", err)

	msg := "internal error"
	switch {
	case errors.Is(err, ErrRecursionExhausted):
		msg = "recursion_exhausted"
	case errors.Is(err, ErrNoPendingInterrupt):
		msg = "no pending interrupt to resume"
	default:
		// Transient provider and tool failures are retriable with the same
		// thread id; never leak internals or stack traces to clients.
		msg = "stream failed; retry with the same thread_id"
	}
	sendEvent(ctx, ch, &ErrorEvent{ThreadID: threadID, Message: msg})
	sendEvent(ctx, ch, &FinishEvent{ThreadID: threadID, Reason: "error"})
}

// sendEvent delivers an event unless the consumer is gone.
func sendEvent(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func setExtra(extra map[models.StateKey]any, key models.StateKey, value any) map[models.StateKey]any {
	if extra == nil {
		extra = make(map[models.StateKey]any)
	}
	extra[key] = value
	return extra
}
