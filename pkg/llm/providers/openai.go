package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rparthas/loom/pkg/llm"
)

func init() {
	llm.RegisterProvider("openai", func(modelName string) (llm.Client, error) {
		return newOpenAIClient(modelName)
	})
}

type openaiClient struct {
	sdk       *openai.Client
	modelName string
}

func newOpenAIClient(modelName string) (*openaiClient, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("openai: OPENAI_API_KEY environment variable not set")
	}
	return &openaiClient{
		sdk:       openai.NewClient(key),
		modelName: modelName,
	}, nil
}

// pendingCall accumulates one index-keyed tool invocation across stream
// deltas until the turn's finish marker arrives.
type pendingCall struct {
	id   string
	name string
	args string
}

// Stream runs one streamed chat-completion turn. Text arrives as content
// deltas; tool calls arrive as index-keyed partial deltas that are
// accumulated and flushed as tool_call_end events when the turn finishes.
func (c *openaiClient) Stream(ctx context.Context, req llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	maxTokens := 4096
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := openai.ChatCompletionRequest{
		Model:         c.modelName,
		MaxTokens:     maxTokens,
		Messages:      buildMessages(req.Messages, req.System),
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)

		stream, err := c.sdk.CreateChatCompletionStream(ctx, params)
		if err != nil {
			ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: mapOpenAIError(ctx, err)}
			return
		}
		defer func() { _ = stream.Close() }()

		pending := map[int]*pendingCall{}
		var order []int
		var usage llm.Usage
		flushed := false

		flush := func() {
			for _, idx := range order {
				p := pending[idx]
				ch <- llm.StreamEvent{
					Type:    llm.StreamEventToolCallEnd,
					ToolUse: &llm.ToolUse{ID: p.id, Name: p.name, Input: normalizeArgs(p.args)},
				}
			}
			pending = map[int]*pendingCall{}
			order = nil
			flushed = true
		}

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: mapOpenAIError(ctx, err)}
				return
			}

			// Usage is typically reported once in a trailing chunk; any
			// report overwrites the running counters.
			if chunk.Usage != nil {
				usage.InputTokens = chunk.Usage.PromptTokens
				usage.OutputTokens = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				ch <- llm.StreamEvent{Type: llm.StreamEventTextDelta, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				p, ok := pending[idx]
				if !ok {
					p = &pendingCall{}
					pending[idx] = p
					order = append(order, idx)
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					if p.name == "" {
						p.name = tc.Function.Name
						ch <- llm.StreamEvent{Type: llm.StreamEventToolCallStart, ToolID: p.id, ToolName: p.name}
					} else {
						p.name += tc.Function.Name
					}
				}
				if tc.Function.Arguments != "" {
					p.args += tc.Function.Arguments
					ch <- llm.StreamEvent{Type: llm.StreamEventToolCallDelta, ToolID: p.id, ArgsDelta: tc.Function.Arguments}
				}
			}
			if choice.FinishReason != "" && len(pending) > 0 {
				flush()
			}
		}

		if !flushed && len(pending) > 0 {
			flush()
		}
		ch <- llm.StreamEvent{Type: llm.StreamEventDone, Usage: &usage}
	}()

	return ch, nil
}

// ─── message conversion ───────────────────────────────────────────────────────

// buildMessages converts unified messages to OpenAI's chat completion format.
//
// Invariant from the agent loop: a user message contains EITHER text blocks
// OR tool_result blocks, never both. Assistant messages may contain text,
// tool_use blocks, or both (mixed).
func buildMessages(msgs []llm.Message, system string) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage

	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			// Handled above via req.System; skip any inline system messages.
			continue

		case llm.RoleUser:
			if hasToolResults(m.Content) {
				// One OpenAI "tool" message per tool_result block.
				for _, b := range m.Content {
					if b.Type == llm.ContentTypeToolResult && b.ToolResult != nil {
						out = append(out, openai.ChatCompletionMessage{
							Role:       openai.ChatMessageRoleTool,
							Content:    b.ToolResult.Content,
							ToolCallID: b.ToolResult.ToolUseID,
						})
					}
				}
			} else {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: concatText(m.Content),
				})
			}

		case llm.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, b := range m.Content {
				switch b.Type {
				case llm.ContentTypeText:
					msg.Content += b.Text
				case llm.ContentTypeToolUse:
					if b.ToolUse != nil {
						msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
							ID:   b.ToolUse.ID,
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      b.ToolUse.Name,
								Arguments: string(b.ToolUse.Input),
							},
						})
					}
				}
			}
			out = append(out, msg)
		}
	}
	return out
}

// buildTools converts unified tool definitions to OpenAI's tool format.
func buildTools(defs []llm.ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		var params any
		if len(d.InputSchema) > 0 {
			params = json.RawMessage(d.InputSchema)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// ─── error mapping ────────────────────────────────────────────────────────────

func mapOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", llm.ErrCancelled, ctx.Err())
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.ClassifyHTTP(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	return fmt.Errorf("openai: %w", err)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func hasToolResults(blocks []llm.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == llm.ContentTypeToolResult {
			return true
		}
	}
	return false
}

func concatText(blocks []llm.ContentBlock) string {
	var s string
	for _, b := range blocks {
		if b.Type == llm.ContentTypeText {
			s += b.Text
		}
	}
	return s
}
