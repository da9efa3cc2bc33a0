// Package agent implements the conversation state machine driving one
// model-and-tools session: it streams provider turns, executes requested
// tools sequentially with schema validation and an approval gate, trims
// history against a token budget, and reports everything it does as bus
// events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rparthas/loom/pkg/agent/tools"
	"github.com/rparthas/loom/pkg/bus"
	"github.com/rparthas/loom/pkg/llm"
)

// State is the loop's current position in its lifecycle. Idle and error are
// both resting states; the loop returns to idle after every call completes
// except an unrecoverable authentication failure.
type State string

const (
	StateIdle            State = "idle"
	StateCallingModel    State = "calling_model"
	StateProcessingTools State = "processing_tools"
	StateWaitingApproval State = "waiting_approval"
	StateError           State = "error"
)

const (
	defaultModel         = "anthropic:claude-sonnet-4-6"
	defaultMaxTokens     = 4096
	defaultMaxTurns      = 50
	defaultToolTimeout   = 2 * time.Minute
	defaultContextBudget = 100_000
)

// Config fixes a Loop's behavior for its lifetime.
type Config struct {
	// Model is a "provider:model-name" identifier.
	Model string
	// System is the system preamble sent with every turn.
	System string
	// MaxTokens caps each model response.
	MaxTokens int
	// MaxTurns caps model round-trips per user message.
	MaxTurns int
	// ToolTimeout bounds each tool execution.
	ToolTimeout time.Duration
	// ConfirmDestructive gates confirmation-required tools behind approval
	// events. When false every tool runs immediately.
	ConfirmDestructive bool
	// ContextBudget is the estimated-token ceiling for conversation history;
	// <= 0 disables trimming.
	ContextBudget int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	if c.ContextBudget == 0 {
		c.ContextBudget = defaultContextBudget
	}
}

// pendingApproval is the single outstanding approval slot. The sequential
// tool-execution guarantee means at most one exists at a time.
type pendingApproval struct {
	toolID   string
	decision chan bool
}

// Loop is one agent conversation. All methods are safe for concurrent use;
// ProcessMessage itself runs single-threaded and blocks until the message is
// fully handled.
type Loop struct {
	id       string
	client   llm.Client
	registry *tools.Registry
	bus      *bus.Bus
	cfg      Config
	toolDefs []llm.ToolDefinition

	mu sync.Mutex
	// active is set for the duration of one ProcessMessage call and cleared
	// only by that call's own defer. Cancel and ClearHistory force state back
	// to idle for observers but must not reopen the loop to a second message
	// while the first is still unwinding.
	active  bool
	state   State
	history []llm.Message
	usage   llm.Usage
	cancel  context.CancelFunc
	pending *pendingApproval

	unsubs []func()
}

// New creates a Loop wired to the given bus. It subscribes to approval
// decision events; call Close to release those subscriptions.
func New(client llm.Client, registry *tools.Registry, b *bus.Bus, cfg Config) *Loop {
	cfg.applyDefaults()

	all := registry.All()
	defs := make([]llm.ToolDefinition, 0, len(all))
	for _, t := range all {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}

	l := &Loop{
		id:       uuid.NewString(),
		client:   client,
		registry: registry,
		bus:      b,
		cfg:      cfg,
		toolDefs: defs,
		state:    StateIdle,
	}
	l.unsubs = append(l.unsubs,
		b.Subscribe(bus.ToolApproved, func(ev bus.Event) { l.resolveApproval(ev.ToolID, true) }),
		b.Subscribe(bus.ToolDenied, func(ev bus.Event) { l.resolveApproval(ev.ToolID, false) }),
	)
	b.Publish(bus.Event{Kind: bus.SessionStarted, SessionID: l.id, Text: cfg.Model})
	return l
}

// SessionID returns the loop's unique session identifier.
func (l *Loop) SessionID() string { return l.id }

// Close removes the loop's bus subscriptions. The loop must not be used
// afterwards.
func (l *Loop) Close() {
	for _, unsub := range l.unsubs {
		unsub()
	}
	l.unsubs = nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Usage returns accumulated token usage across the session.
func (l *Loop) Usage() llm.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}

// HistoryLen returns the number of messages in the conversation history.
func (l *Loop) HistoryLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// ClearHistory discards the conversation and token counters and forces the
// loop back to idle. This is the only way to drop context mid-session.
func (l *Loop) ClearHistory() {
	l.mu.Lock()
	l.history = nil
	l.usage = llm.Usage{}
	l.state = StateIdle
	l.mu.Unlock()
	l.bus.Publish(bus.Event{Kind: bus.SessionCleared, SessionID: l.id})
}

// Cancel aborts any in-flight model call, denies a pending approval, and
// forces the loop back to idle. Safe to call at any time, including when
// idle (no-op).
func (l *Loop) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	pending := l.pending
	wasIdle := l.state == StateIdle
	l.state = StateIdle
	l.mu.Unlock()

	if pending != nil {
		select {
		case pending.decision <- false:
		default:
		}
	}
	if cancel != nil {
		cancel()
	}
	if !wasIdle {
		l.bus.Publish(bus.Event{Kind: bus.AgentCancelled})
	}
}

// ProcessMessage appends a user message and drives model turns and tool
// executions until the model stops requesting tools, the turn ceiling is
// hit, or an error occurs. It blocks for the duration and rejects
// immediately, without touching history, if the loop is not idle.
func (l *Loop) ProcessMessage(ctx context.Context, text string) error {
	l.mu.Lock()
	if l.active || l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		err := fmt.Errorf("agent busy: state %s", state)
		if state == StateIdle {
			// Cancelled or cleared mid-flight; the previous call holds the
			// loop until it unwinds.
			err = errors.New("agent busy: previous message still unwinding")
		}
		l.bus.Publish(bus.Event{Kind: bus.AgentError, Text: err.Error()})
		return err
	}
	l.active = true
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.history = append(l.history, llm.TextMessage(llm.RoleUser, text))
	trimmed, removed := trimHistory(l.history, l.cfg.ContextBudget)
	l.history = trimmed
	l.mu.Unlock()
	defer cancel()
	defer func() {
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
	}()

	if removed > 0 {
		l.bus.Publish(bus.Event{Kind: bus.SessionContextTrimmed, Count: removed})
	}

	detector := NewLoopDetector(0)

	for turn := 1; turn <= l.cfg.MaxTurns; turn++ {
		l.setState(StateCallingModel)
		l.bus.Publish(bus.Event{Kind: bus.AgentThinking})

		result, err := l.streamTurn(ctx)
		if err != nil {
			return l.failTurn(ctx, err)
		}

		assistant := llm.Message{Role: llm.RoleAssistant}
		if result.Text != "" {
			assistant.Content = append(assistant.Content, llm.ContentBlock{Type: llm.ContentTypeText, Text: result.Text})
			l.bus.Publish(bus.Event{Kind: bus.AgentTextDone, Text: result.Text})
		}
		for i := range result.ToolCalls {
			tc := result.ToolCalls[i]
			assistant.Content = append(assistant.Content, llm.ContentBlock{Type: llm.ContentTypeToolUse, ToolUse: &tc})
		}

		l.mu.Lock()
		l.history = append(l.history, assistant)
		l.usage.Add(result.Usage)
		usage := l.usage
		l.mu.Unlock()

		if len(result.ToolCalls) == 0 {
			l.setState(StateIdle)
			l.bus.Publish(bus.Event{
				Kind:         bus.AgentTurnComplete,
				Count:        turn,
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
			})
			return nil
		}

		l.setState(StateProcessingTools)
		results := make([]llm.ContentBlock, 0, len(result.ToolCalls))
		for i := range result.ToolCalls {
			tc := result.ToolCalls[i]
			results = append(results, l.executeTool(ctx, &tc, detector))
		}

		l.mu.Lock()
		l.history = append(l.history, llm.Message{Role: llm.RoleUser, Content: results})
		l.mu.Unlock()
	}

	l.setState(StateIdle)
	err := &MaxTurnsError{Turns: l.cfg.MaxTurns}
	l.bus.Publish(bus.Event{Kind: bus.AgentMaxTurns, Text: err.Error(), Count: l.cfg.MaxTurns})
	return err
}

// failTurn classifies a provider error: cancellation and recoverable errors
// return the loop to idle; authentication failures park it in the error
// state because retrying cannot succeed until credentials change.
func (l *Loop) failTurn(ctx context.Context, err error) error {
	switch {
	case llm.Cancelled(err) || errors.Is(ctx.Err(), context.Canceled):
		l.setState(StateIdle)
		l.bus.Publish(bus.Event{Kind: bus.AgentCancelled, Text: err.Error()})
	case isAuthError(err):
		l.setState(StateError)
		l.bus.Publish(bus.Event{Kind: bus.AgentError, Text: err.Error(), IsError: true})
	default:
		l.setState(StateIdle)
		l.bus.Publish(bus.Event{Kind: bus.AgentError, Text: err.Error()})
	}
	return fmt.Errorf("model call failed: %w", err)
}

func isAuthError(err error) bool {
	var authErr *llm.AuthError
	return errors.As(err, &authErr)
}

// turnResult is one model turn's accumulated output.
type turnResult struct {
	Text      string
	ToolCalls []llm.ToolUse
	Usage     llm.Usage
}

// streamTurn runs one provider turn, republishing text deltas and tool-call
// announcements as bus events while accumulating the turn's output.
func (l *Loop) streamTurn(ctx context.Context) (turnResult, error) {
	l.mu.Lock()
	req := llm.StreamRequest{
		Model:     l.cfg.Model,
		Messages:  l.history,
		Tools:     l.toolDefs,
		System:    l.cfg.System,
		MaxTokens: l.cfg.MaxTokens,
	}
	l.mu.Unlock()

	ch, err := l.client.Stream(ctx, req)
	if err != nil {
		return turnResult{}, err
	}

	var result turnResult
	for ev := range ch {
		switch ev.Type {
		case llm.StreamEventTextDelta:
			result.Text += ev.Text
			l.bus.Publish(bus.Event{Kind: bus.AgentTextDelta, Text: ev.Text})
		case llm.StreamEventToolCallEnd:
			if ev.ToolUse != nil {
				result.ToolCalls = append(result.ToolCalls, *ev.ToolUse)
				l.bus.Publish(bus.Event{
					Kind:     bus.ToolCall,
					ToolID:   ev.ToolUse.ID,
					ToolName: ev.ToolUse.Name,
					Input:    ev.ToolUse.Input,
				})
			}
		case llm.StreamEventDone:
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
		case llm.StreamEventError:
			return turnResult{}, ev.Err
		}
	}
	return result, nil
}

// executeTool runs one requested tool call through the full gauntlet:
// registry lookup, loop detection, schema validation, the approval gate,
// and a timeout race. Every terminal outcome publishes exactly one
// tool:complete event; failures become error results fed back to the model
// rather than aborting the loop.
func (l *Loop) executeTool(ctx context.Context, tc *llm.ToolUse, detector *LoopDetector) llm.ContentBlock {
	start := time.Now()

	fail := func(msg string) llm.ContentBlock {
		l.bus.Publish(bus.Event{
			Kind:     bus.ToolComplete,
			ToolID:   tc.ID,
			ToolName: tc.Name,
			Text:     msg,
			IsError:  true,
			Duration: time.Since(start),
		})
		return toolResultBlock(tc.ID, msg, true)
	}

	tool, err := l.registry.Get(tc.Name)
	if err != nil {
		return fail(fmt.Sprintf("unknown tool: %s", tc.Name))
	}

	if detector.Record(tc.Name, tc.Input) {
		steering := SteeringMessage()
		l.bus.Publish(bus.Event{Kind: bus.AgentSteering, ToolName: tc.Name, Text: steering})
		return fail(steering)
	}

	if err := tools.ValidateInput(tool, tc.Input); err != nil {
		return fail(err.Error())
	}

	if tool.RequiresConfirmation() && l.cfg.ConfirmDestructive {
		approved, err := l.awaitApproval(ctx, tc)
		l.setState(StateProcessingTools)
		if err != nil {
			return fail(fmt.Sprintf("approval aborted: %v", err))
		}
		if !approved {
			return fail(fmt.Sprintf("user denied permission to run %s", tc.Name))
		}
	}

	l.bus.Publish(bus.Event{Kind: bus.ToolExecuting, ToolID: tc.ID, ToolName: tc.Name, Input: tc.Input})

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	tctx, tcancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer tcancel()
	go func() {
		out, execErr := tool.Execute(tctx, tc.Input)
		done <- outcome{out: out, err: execErr}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			timeoutErr := &ToolTimeoutError{Tool: tc.Name, Timeout: l.cfg.ToolTimeout}
			return fail(timeoutErr.Error())
		}
		return fail(fmt.Sprintf("cancelled: %v", tctx.Err()))
	}

	content := o.out
	isError := o.err != nil
	if isError {
		if content != "" {
			content += "\n" + o.err.Error()
		} else {
			content = o.err.Error()
		}
	}
	l.bus.Publish(bus.Event{
		Kind:     bus.ToolComplete,
		ToolID:   tc.ID,
		ToolName: tc.Name,
		Text:     content,
		IsError:  isError,
		Duration: time.Since(start),
	})
	return toolResultBlock(tc.ID, content, isError)
}

// awaitApproval acquires the single pending-approval slot, publishes the
// approval request, and suspends until a decision event correlated by tool
// id arrives or the context is cancelled (treated as denial upstream).
func (l *Loop) awaitApproval(ctx context.Context, tc *llm.ToolUse) (bool, error) {
	l.mu.Lock()
	if l.pending != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("approval already pending for tool %s", l.pending.toolID)
	}
	p := &pendingApproval{toolID: tc.ID, decision: make(chan bool, 1)}
	l.pending = p
	l.state = StateWaitingApproval
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
	}()

	l.bus.Publish(bus.Event{
		Kind:     bus.ToolApprovalRequired,
		ToolID:   tc.ID,
		ToolName: tc.Name,
		Input:    tc.Input,
	})

	select {
	case approved := <-p.decision:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// resolveApproval delivers an approval decision if it matches the pending
// slot; stale or unknown tool ids are ignored.
func (l *Loop) resolveApproval(toolID string, approved bool) {
	l.mu.Lock()
	p := l.pending
	l.mu.Unlock()
	if p == nil || p.toolID != toolID {
		return
	}
	select {
	case p.decision <- approved:
	default:
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func toolResultBlock(toolUseID, content string, isError bool) llm.ContentBlock {
	return llm.ContentBlock{
		Type: llm.ContentTypeToolResult,
		ToolResult: &llm.ToolResult{
			ToolUseID: toolUseID,
			Content:   content,
			IsError:   isError,
		},
	}
}
