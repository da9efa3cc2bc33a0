// Package providers registers LLM provider adapters.
// Import this package with a blank identifier to activate all providers:
//
//	import _ "github.com/rparthas/loom/pkg/llm/providers"
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/rparthas/loom/pkg/llm"
)

func init() {
	llm.RegisterProvider("anthropic", func(modelName string) (llm.Client, error) {
		return newAnthropicClient(modelName)
	})
}

type anthropicClient struct {
	sdk       anthropicsdk.Client
	modelName string
}

func newAnthropicClient(modelName string) (*anthropicClient, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY environment variable not set")
	}
	sdk := anthropicsdk.NewClient(option.WithAPIKey(key))
	return &anthropicClient{sdk: sdk, modelName: modelName}, nil
}

// Stream runs one turn against the Messages streaming API. Incremental text
// tokens and tool-invocation blocks map 1:1 onto StreamEvent variants; the
// channel is closed after the terminal done or error event.
func (a *anthropicClient) Stream(ctx context.Context, req llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	params := a.buildParams(req)
	ch := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(ch)

		stream := a.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		// Per-index accumulation of tool-use blocks. Argument JSON arrives
		// as input_json_delta fragments between block start and stop.
		type pendingTool struct {
			id, name string
			args     string
		}
		pending := map[int64]*pendingTool{}
		var usage llm.Usage

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropicsdk.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)

			case anthropicsdk.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					pending[ev.Index] = &pendingTool{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
					ch <- llm.StreamEvent{
						Type:     llm.StreamEventToolCallStart,
						ToolID:   ev.ContentBlock.ID,
						ToolName: ev.ContentBlock.Name,
					}
				}

			case anthropicsdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropicsdk.TextDelta:
					if delta.Text != "" {
						ch <- llm.StreamEvent{Type: llm.StreamEventTextDelta, Text: delta.Text}
					}
				case anthropicsdk.InputJSONDelta:
					if p, ok := pending[ev.Index]; ok {
						p.args += delta.PartialJSON
						ch <- llm.StreamEvent{
							Type:      llm.StreamEventToolCallDelta,
							ToolID:    p.id,
							ArgsDelta: delta.PartialJSON,
						}
					}
				}

			case anthropicsdk.ContentBlockStopEvent:
				if p, ok := pending[ev.Index]; ok {
					delete(pending, ev.Index)
					ch <- llm.StreamEvent{
						Type:    llm.StreamEventToolCallEnd,
						ToolUse: &llm.ToolUse{ID: p.id, Name: p.name, Input: normalizeArgs(p.args)},
					}
				}

			case anthropicsdk.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: mapAnthropicError(ctx, err)}
			return
		}
		ch <- llm.StreamEvent{Type: llm.StreamEventDone, Usage: &usage}
	}()

	return ch, nil
}

func (a *anthropicClient) buildParams(req llm.StreamRequest) anthropicsdk.MessageNewParams {
	// Convert messages. The system role is carried via the System param,
	// never as a message.
	msgs := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case llm.ContentTypeText:
				blocks = append(blocks, anthropicsdk.NewTextBlock(b.Text))
			case llm.ContentTypeToolResult:
				if b.ToolResult != nil {
					blocks = append(blocks, anthropicsdk.NewToolResultBlock(
						b.ToolResult.ToolUseID,
						b.ToolResult.Content,
						b.ToolResult.IsError,
					))
				}
			case llm.ContentTypeToolUse:
				if b.ToolUse != nil {
					var input any
					_ = json.Unmarshal(b.ToolUse.Input, &input)
					blocks = append(blocks, anthropicsdk.NewToolUseBlock(b.ToolUse.ID, input, b.ToolUse.Name))
				}
			}
		}
		switch m.Role {
		case llm.RoleUser:
			msgs = append(msgs, anthropicsdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			msgs = append(msgs, anthropicsdk.NewAssistantMessage(blocks...))
		}
	}

	tools := make([]anthropicsdk.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tp := anthropicsdk.ToolParam{
			Name:        t.Name,
			InputSchema: buildInputSchema(t.InputSchema),
			Description: param.NewOpt(t.Description),
		}
		tools = append(tools, anthropicsdk.ToolUnionParam{OfTool: &tp})
	}

	maxTokens := int64(4096)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.modelName),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

// buildInputSchema converts raw JSON Schema bytes into a ToolInputSchemaParam.
func buildInputSchema(raw []byte) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{}
	if len(raw) == 0 {
		return schema
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return schema
	}
	if props, ok := m["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := m["required"]; ok {
		if reqSlice, ok2 := req.([]any); ok2 {
			strs := make([]string, 0, len(reqSlice))
			for _, r := range reqSlice {
				if s, ok := r.(string); ok {
					strs = append(strs, s)
				}
			}
			schema.Required = strs
		}
	}
	return schema
}

// normalizeArgs turns accumulated argument text into valid JSON input.
// An empty accumulation (a no-argument tool) becomes an empty object, and a
// fragment that fails to parse is replaced by an empty object rather than
// aborting the turn.
func normalizeArgs(args string) []byte {
	if args == "" {
		return []byte("{}")
	}
	if !json.Valid([]byte(args)) {
		return []byte("{}")
	}
	return []byte(args)
}

func mapAnthropicError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", llm.ErrCancelled, ctx.Err())
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return llm.ClassifyHTTP(apiErr.StatusCode, apiErr.Error(), err)
	}
	return fmt.Errorf("anthropic: %w", err)
}
