package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// OpenAIClient adapts an OpenAI-compatible chat completion endpoint to the
// Client interface. Any provider speaking the OpenAI wire format works
// through BaseURL.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIClient builds a streaming client from config.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(apiCfg),
		model:  cfg.Model,
		logger: slog.Default(),
	}
}

// Generate starts a streaming completion. Chunks are delivered on the
// returned channel; the channel closes when the provider stream ends.
func (c *OpenAIClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(input.Messages),
		Stream:   true,
	}
	for _, t := range input.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream failed: %w", err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				send(ctx, out, &ErrorChunk{Message: err.Error(), Retryable: isRetryable(err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.Content != "" {
				if !send(ctx, out, &TextChunk{Content: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				chunk := &ToolCallChunk{
					Index: tc.Index,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Args:  tc.Function.Arguments,
				}
				if !send(ctx, out, chunk) {
					return
				}
			}
			if choice.FinishReason != "" {
				if !send(ctx, out, &FinishChunk{Reason: string(choice.FinishReason)}) {
					return
				}
			}
		}
	}()
	return out, nil
}

// send delivers a chunk unless the consumer is gone.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}

// toOpenAIMessages converts domain messages, preserving multimodal blocks.
func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{Role: string(m.Role)}

		if hasMedia(m) {
			for _, b := range m.Content {
				switch b.Type {
				case models.BlockTypeText, models.BlockTypeReasoning:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: b.Text,
					})
				case models.BlockTypeImage:
					url := b.URL
					if url == "" {
						url = fmt.Sprintf("data:%s;base64,%s", b.MimeType, b.Data)
					}
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: url},
					})
				}
			}
		} else {
			msg.Content = m.Text()
		}

		if m.Role == models.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func hasMedia(m models.Message) bool {
	for _, b := range m.Content {
		if b.Type == models.BlockTypeImage || b.Type == models.BlockTypeAudio || b.Type == models.BlockTypeFile {
			return true
		}
	}
	return false
}
