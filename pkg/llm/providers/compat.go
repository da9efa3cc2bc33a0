package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rparthas/loom/pkg/llm"
)

const (
	compatDefaultBaseURL = "https://openrouter.ai/api/v1"
	compatTimeout        = 5 * time.Minute
	maxSSELineBytes      = 1024 * 1024
)

func init() {
	llm.RegisterProvider("compat", func(modelName string) (llm.Client, error) {
		return newCompatClient(modelName)
	})
}

// compatClient speaks the widely-used "chat completions with streamed partial
// deltas" protocol against any OpenAI-compatible endpoint. Unlike the openai
// adapter it owns the wire parsing: it reads the line-based event stream
// directly, which lets it tolerate the protocol idiosyncrasies of third-party
// gateways (malformed lines, missing usage, nonstandard finish chunks).
type compatClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelName  string
	logger     *slog.Logger
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

func newCompatClient(modelName string) (*compatClient, error) {
	baseURL := os.Getenv("COMPAT_BASE_URL")
	if baseURL == "" {
		baseURL = compatDefaultBaseURL
	}
	c := &compatClient{
		httpClient: &http.Client{Timeout: compatTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     os.Getenv("COMPAT_API_KEY"),
		modelName:  modelName,
		logger:     slog.Default(),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "compat:" + modelName,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c, nil
}

// ─── wire types (OpenAI-compatible chat completions) ─────────────────────────

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Tools         []wireToolDef `json:"tools,omitempty"`
	Stream        bool          `json:"stream"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

// compatChunk is one parsed `data:` payload. Unknown fields are ignored.
type compatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type wireErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ─── streaming ────────────────────────────────────────────────────────────────

// Stream establishes the HTTP stream (with retry on transient failures and a
// per-model circuit breaker) and parses it incrementally into StreamEvents.
func (c *compatClient) Stream(ctx context.Context, req llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("compat: marshal request: %w", err)
	}

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)

		var resp *http.Response
		err := llm.WithRetry(ctx, 4, func() error {
			var innerErr error
			resp, innerErr = c.breaker.Execute(func() (*http.Response, error) {
				return c.openStream(ctx, body)
			})
			if innerErr == gobreaker.ErrOpenState || innerErr == gobreaker.ErrTooManyRequests {
				innerErr = llm.ClassifyHTTP(503, "circuit breaker open for "+c.modelName, innerErr)
			}
			return innerErr
		})
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %v", llm.ErrCancelled, ctx.Err())
			}
			ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: err}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		c.parseStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// openStream performs the POST and classifies non-200 responses; it never
// reads the body of a successful response.
func (c *compatClient) openStream(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("compat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("compat: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		var errBody wireErrorBody
		_ = json.Unmarshal(raw, &errBody) // best-effort parse
		msg := errBody.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, llm.ClassifyHTTP(resp.StatusCode, msg, nil)
	}
	return resp, nil
}

// parseStream reads `data: <json>` lines until the `[DONE]` sentinel or EOF.
// Incomplete lines are buffered across read chunks by the scanner; non-data
// lines are ignored; a line whose JSON fails to parse is skipped rather than
// failing the whole stream. Tool invocations arrive as index-keyed partial
// deltas and are flushed as tool_call_end events on the finish marker.
func (c *compatClient) parseStream(ctx context.Context, r io.Reader, ch chan<- llm.StreamEvent) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELineBytes)

	pending := map[int]*pendingCall{}
	var order []int
	var usage llm.Usage
	finished := false

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
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk compatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			// Usage is assumed to be reported once, at or near stream end;
			// any report overwrites the running counters.
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
		if choice.FinishReason != "" {
			flush()
			finished = true
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", llm.ErrCancelled, ctx.Err())
		} else {
			err = fmt.Errorf("compat: read stream: %w", err)
		}
		ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: err}
		return
	}

	// Some gateways close the stream without a finish_reason chunk.
	if !finished && len(pending) > 0 {
		flush()
	}
	ch <- llm.StreamEvent{Type: llm.StreamEventDone, Usage: &usage}
}

func (c *compatClient) buildRequest(req llm.StreamRequest) wireRequest {
	wr := wireRequest{
		Model:  c.modelName,
		Stream: true,
	}
	if req.MaxTokens > 0 {
		wr.MaxTokens = req.MaxTokens
	}
	wr.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	if req.System != "" {
		wr.Messages = append(wr.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			if hasToolResults(m.Content) {
				for _, b := range m.Content {
					if b.Type == llm.ContentTypeToolResult && b.ToolResult != nil {
						wr.Messages = append(wr.Messages, wireMessage{
							Role:       "tool",
							Content:    b.ToolResult.Content,
							ToolCallID: b.ToolResult.ToolUseID,
						})
					}
				}
			} else {
				wr.Messages = append(wr.Messages, wireMessage{Role: "user", Content: concatText(m.Content)})
			}
		case llm.RoleAssistant:
			msg := wireMessage{Role: "assistant"}
			for _, b := range m.Content {
				switch b.Type {
				case llm.ContentTypeText:
					msg.Content += b.Text
				case llm.ContentTypeToolUse:
					if b.ToolUse != nil {
						msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
							ID:   b.ToolUse.ID,
							Type: "function",
							Function: wireFunction{
								Name:      b.ToolUse.Name,
								Arguments: string(b.ToolUse.Input),
							},
						})
					}
				}
			}
			wr.Messages = append(wr.Messages, msg)
		}
	}

	for _, t := range req.Tools {
		var def wireToolDef
		def.Type = "function"
		def.Function.Name = t.Name
		def.Function.Description = t.Description
		if len(t.InputSchema) > 0 {
			def.Function.Parameters = json.RawMessage(t.InputSchema)
		}
		wr.Tools = append(wr.Tools, def)
	}
	return wr
}
