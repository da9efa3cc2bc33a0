package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/rparthas/loom/pkg/llm"
)

func init() {
	llm.RegisterProvider("gemini", func(modelName string) (llm.Client, error) {
		return newGeminiClient(modelName)
	})
}

type geminiClient struct {
	sdk       *genai.Client
	modelName string
}

func newGeminiClient(modelName string) (*geminiClient, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("gemini: GEMINI_API_KEY environment variable not set")
	}
	// genai.NewClient requires a context; use Background for construction.
	sdk, err := genai.NewClient(context.Background(), option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &geminiClient{sdk: sdk, modelName: modelName}, nil
}

// Stream runs one turn against the GenerateContent streaming API. Each
// response chunk carries complete parts rather than byte-level deltas, so a
// text part becomes one text_delta and a function call becomes a
// tool_call_start immediately followed by its tool_call_end.
func (g *geminiClient) Stream(ctx context.Context, req llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	model := g.sdk.GenerativeModel(g.modelName)

	if req.MaxTokens > 0 {
		n := int32(req.MaxTokens)
		model.MaxOutputTokens = &n
	}
	// The system preamble goes to SystemInstruction, not the message history.
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if len(req.Tools) > 0 {
		model.Tools = buildGeminiTools(req.Tools)
	}

	history, last, err := buildGeminiContents(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("gemini: build contents: %w", err)
	}
	if last == nil {
		return nil, fmt.Errorf("gemini: no user message to send")
	}

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)

		cs := model.StartChat()
		cs.History = history
		iter := cs.SendMessageStream(ctx, last.Parts...)

		var usage llm.Usage
		for {
			resp, iterErr := iter.Next()
			if iterErr == iterator.Done {
				break
			}
			if iterErr != nil {
				ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: mapGeminiError(ctx, iterErr)}
				return
			}
			// UsageMetadata reports cumulative totals per chunk; the last
			// report wins.
			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					if string(v) != "" {
						ch <- llm.StreamEvent{Type: llm.StreamEventTextDelta, Text: string(v)}
					}
				case genai.FunctionCall:
					// Gemini does not return a call ID; the function name
					// stands in as the correlation key.
					input := []byte("{}")
					if v.Args != nil {
						if b, marshalErr := json.Marshal(v.Args); marshalErr == nil {
							input = b
						}
					}
					ch <- llm.StreamEvent{
						Type:     llm.StreamEventToolCallStart,
						ToolID:   v.Name,
						ToolName: v.Name,
					}
					ch <- llm.StreamEvent{
						Type:    llm.StreamEventToolCallEnd,
						ToolUse: &llm.ToolUse{ID: v.Name, Name: v.Name, Input: input},
					}
				}
			}
		}
		ch <- llm.StreamEvent{Type: llm.StreamEventDone, Usage: &usage}
	}()

	return ch, nil
}

// ─── message translation ─────────────────────────────────────────────────────

// buildGeminiContents translates unified messages into Gemini's format.
// History contains all messages except the last one; the final user message
// is returned separately for use with SendMessageStream.
func buildGeminiContents(msgs []llm.Message) ([]*genai.Content, *genai.Content, error) {
	var contents []*genai.Content
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue // carried via model.SystemInstruction
		}
		var c *genai.Content
		var err error
		switch m.Role {
		case llm.RoleUser:
			c, err = geminiUserContent(m, msgs)
		case llm.RoleAssistant:
			c, err = geminiAssistantContent(m)
		}
		if err != nil {
			return nil, nil, err
		}
		if c != nil {
			contents = append(contents, c)
		}
	}
	if len(contents) == 0 {
		return nil, nil, nil
	}
	return contents[:len(contents)-1], contents[len(contents)-1], nil
}

func geminiUserContent(m llm.Message, allMsgs []llm.Message) (*genai.Content, error) {
	if hasToolResults(m.Content) {
		return geminiToolResultContent(m, allMsgs)
	}
	var text string
	for _, b := range m.Content {
		if b.Type == llm.ContentTypeText {
			text += b.Text
		}
	}
	return &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(text)}}, nil
}

func geminiToolResultContent(m llm.Message, allMsgs []llm.Message) (*genai.Content, error) {
	parts := make([]genai.Part, 0, len(m.Content))
	for _, b := range m.Content {
		if b.Type != llm.ContentTypeToolResult || b.ToolResult == nil {
			continue
		}
		// FunctionResponse wants the function name, not a call ID. Scan the
		// history for the originating tool_use; results produced by this
		// adapter carry the name as their ID already, so the fallback is
		// exact for self-consistent histories.
		name, ok := resolveToolName(b.ToolResult.ToolUseID, allMsgs)
		if !ok {
			name = b.ToolResult.ToolUseID
		}
		parts = append(parts, genai.FunctionResponse{
			Name:     name,
			Response: map[string]any{"result": b.ToolResult.Content},
		})
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return &genai.Content{Role: "user", Parts: parts}, nil
}

func geminiAssistantContent(m llm.Message) (*genai.Content, error) {
	var parts []genai.Part
	for _, b := range m.Content {
		switch b.Type {
		case llm.ContentTypeText:
			if b.Text != "" {
				parts = append(parts, genai.Text(b.Text))
			}
		case llm.ContentTypeToolUse:
			if b.ToolUse != nil {
				var args map[string]any
				if len(b.ToolUse.Input) > 0 {
					if err := json.Unmarshal(b.ToolUse.Input, &args); err != nil {
						return nil, fmt.Errorf("tool_use %q: unmarshal input: %w", b.ToolUse.Name, err)
					}
				}
				parts = append(parts, genai.FunctionCall{Name: b.ToolUse.Name, Args: args})
			}
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return &genai.Content{Role: "model", Parts: parts}, nil
}

// resolveToolName scans messages backward for the tool_use with the given ID.
func resolveToolName(toolUseID string, allMsgs []llm.Message) (string, bool) {
	for i := len(allMsgs) - 1; i >= 0; i-- {
		for _, b := range allMsgs[i].Content {
			if b.Type == llm.ContentTypeToolUse && b.ToolUse != nil && b.ToolUse.ID == toolUseID {
				return b.ToolUse.Name, true
			}
		}
	}
	return "", false
}

// ─── tool definition translation ─────────────────────────────────────────────

func buildGeminiTools(defs []llm.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		fd := &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
		}
		if len(d.InputSchema) > 0 {
			if schema, err := jsonSchemaToGenai(d.InputSchema); err == nil && schema != nil {
				fd.Parameters = schema
			}
		}
		decls = append(decls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// jsonSchemaToGenai converts raw JSON Schema bytes to a *genai.Schema. It
// handles the cases the built-in tool schemas use: object, string, integer,
// number, boolean, array.
func jsonSchemaToGenai(raw []byte) (*genai.Schema, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("jsonSchemaToGenai: %w", err)
	}
	return mapToGenaiSchema(m), nil
}

func mapToGenaiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "string":
			s.Type = genai.TypeString
		case "integer":
			s.Type = genai.TypeInteger
		case "number":
			s.Type = genai.TypeNumber
		case "boolean":
			s.Type = genai.TypeBoolean
		case "array":
			s.Type = genai.TypeArray
		default:
			s.Type = genai.TypeUnspecified
		}
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for k, v := range props {
			if vm, ok := v.(map[string]any); ok {
				s.Properties[k] = mapToGenaiSchema(vm)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = mapToGenaiSchema(items)
	}
	return s
}

// ─── error mapping ────────────────────────────────────────────────────────────

func mapGeminiError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", llm.ErrCancelled, ctx.Err())
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return llm.ClassifyHTTP(apiErr.Code, apiErr.Message, err)
	}
	return fmt.Errorf("gemini: %w", err)
}
