package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rparthas/loom/pkg/agent"
	"github.com/rparthas/loom/pkg/agent/tools"
	"github.com/rparthas/loom/pkg/bus"
	"github.com/rparthas/loom/pkg/llm"
	"github.com/rparthas/loom/pkg/sandbox"
)

// scriptedClient replays a fixed sequence of turns; the last turn repeats if
// the loop asks for more.
type scriptedClient struct {
	mu    sync.Mutex
	turns [][]llm.StreamEvent
	calls int
}

func (c *scriptedClient) Stream(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.mu.Unlock()
	if i >= len(c.turns) {
		i = len(c.turns) - 1
	}
	events := c.turns[i]
	ch := make(chan llm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func textTurn(text string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.StreamEventTextDelta, Text: text},
		{Type: llm.StreamEventDone, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func toolTurn(id, name, input string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.StreamEventToolCallEnd, ToolUse: &llm.ToolUse{ID: id, Name: name, Input: []byte(input)}},
		{Type: llm.StreamEventDone, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func newTestLoop(t *testing.T, client llm.Client, cfg agent.Config) (*agent.Loop, *bus.Bus, *sandbox.Sandbox) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	loop := agent.New(client, tools.DefaultRegistry(sb), b, cfg)
	t.Cleanup(loop.Close)
	return loop, b, sb
}

func countEvents(b *bus.Bus, kind bus.Kind) int {
	return len(b.History(kind))
}

// ─── state machine ────────────────────────────────────────────────────────────

func TestProcessMessage_TextOnlyTurn(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{textTurn("hello there")}}
	loop, b, _ := newTestLoop(t, client, agent.Config{})

	if err := loop.ProcessMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if loop.State() != agent.StateIdle {
		t.Errorf("state = %s, want idle", loop.State())
	}
	if loop.HistoryLen() != 2 {
		t.Errorf("history length = %d, want 2 (user + assistant)", loop.HistoryLen())
	}
	if u := loop.Usage(); u.InputTokens != 10 || u.OutputTokens != 5 {
		t.Errorf("usage = %+v", u)
	}
	if countEvents(b, bus.AgentTurnComplete) != 1 {
		t.Error("expected one agent:turn_complete event")
	}
	deltas := b.History(bus.AgentTextDelta)
	if len(deltas) != 1 || deltas[0].Text != "hello there" {
		t.Errorf("text deltas = %+v", deltas)
	}
}

func TestProcessMessage_RejectedWhileBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &gatedClient{started: started, release: release}
	loop, _, _ := newTestLoop(t, client, agent.Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- loop.ProcessMessage(context.Background(), "first") }()
	<-started

	before := loop.HistoryLen()
	err := loop.ProcessMessage(context.Background(), "second")
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected busy rejection, got %v", err)
	}
	if loop.HistoryLen() != before {
		t.Error("busy rejection mutated history")
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first message failed: %v", err)
	}
}

// gatedClient signals when a stream starts and holds it open until released.
type gatedClient struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedClient) Stream(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 1)
	go func() {
		c.once.Do(func() { close(c.started) })
		<-c.release
		ch <- llm.StreamEvent{Type: llm.StreamEventDone}
		close(ch)
	}()
	return ch, nil
}

func TestProcessMessage_ToolRoundTrip(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "list_dir", `{}`),
		textTurn("done"),
	}}
	loop, b, sb := newTestLoop(t, client, agent.Config{})
	if err := os.WriteFile(filepath.Join(sb.Root(), "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := loop.ProcessMessage(context.Background(), "list the project"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	// user + assistant(tool_use) + user(tool_result) + assistant(text)
	if loop.HistoryLen() != 4 {
		t.Errorf("history length = %d, want 4", loop.HistoryLen())
	}
	completes := b.History(bus.ToolComplete)
	if len(completes) != 1 {
		t.Fatalf("got %d tool:complete events, want 1", len(completes))
	}
	if completes[0].IsError {
		t.Errorf("tool:complete flagged error: %s", completes[0].Text)
	}
	if completes[0].ToolID != "call-1" || completes[0].ToolName != "list_dir" {
		t.Errorf("tool:complete correlation = %+v", completes[0])
	}
}

func TestProcessMessage_MaxTurns(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "list_dir", `{}`),
	}}
	loop, b, _ := newTestLoop(t, client, agent.Config{MaxTurns: 2})

	err := loop.ProcessMessage(context.Background(), "loop forever")
	var maxErr *agent.MaxTurnsError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected *MaxTurnsError, got %T: %v", err, err)
	}
	if maxErr.Turns != 2 {
		t.Errorf("MaxTurnsError.Turns = %d, want 2", maxErr.Turns)
	}
	if loop.State() != agent.StateIdle {
		t.Errorf("state = %s, want idle", loop.State())
	}
	// user + (assistant + tool-result wrapper) x 2
	if loop.HistoryLen() != 5 {
		t.Errorf("history length = %d, want 5", loop.HistoryLen())
	}
	if countEvents(b, bus.AgentMaxTurns) != 1 {
		t.Errorf("got %d agent:max_turns events, want exactly 1", countEvents(b, bus.AgentMaxTurns))
	}
}

func TestProcessMessage_AuthErrorIsTerminal(t *testing.T) {
	authErr := &llm.AuthError{LLMError: llm.LLMError{Code: 401, Message: "invalid api key"}}
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		{{Type: llm.StreamEventError, Err: authErr}},
	}}
	loop, _, _ := newTestLoop(t, client, agent.Config{})

	if err := loop.ProcessMessage(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if loop.State() != agent.StateError {
		t.Errorf("state = %s, want error", loop.State())
	}
	// Not idle, so further messages are rejected until ClearHistory.
	if err := loop.ProcessMessage(context.Background(), "again"); err == nil {
		t.Fatal("expected busy rejection in error state")
	}
	loop.ClearHistory()
	if loop.State() != agent.StateIdle || loop.HistoryLen() != 0 {
		t.Errorf("ClearHistory left state=%s len=%d", loop.State(), loop.HistoryLen())
	}
}

func TestProcessMessage_ProviderErrorReturnsToIdle(t *testing.T) {
	rlErr := &llm.RateLimitError{LLMError: llm.LLMError{Code: 429, Message: "slow down"}}
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		{{Type: llm.StreamEventError, Err: rlErr}},
	}}
	loop, b, _ := newTestLoop(t, client, agent.Config{})

	if err := loop.ProcessMessage(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if loop.State() != agent.StateIdle {
		t.Errorf("state = %s, want idle after recoverable error", loop.State())
	}
	if countEvents(b, bus.AgentError) != 1 {
		t.Error("expected one agent:error event")
	}
}

// ─── tool execution ───────────────────────────────────────────────────────────

func TestExecuteTool_UnknownTool(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "bogus", `{}`),
		textTurn("ok"),
	}}
	loop, b, _ := newTestLoop(t, client, agent.Config{})

	if err := loop.ProcessMessage(context.Background(), "go"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	completes := b.History(bus.ToolComplete)
	if len(completes) != 1 || !completes[0].IsError {
		t.Fatalf("tool:complete events = %+v", completes)
	}
	if !strings.Contains(completes[0].Text, "unknown tool") {
		t.Errorf("result text = %q", completes[0].Text)
	}
	// Unknown tool never publishes an executing event.
	if countEvents(b, bus.ToolExecuting) != 0 {
		t.Error("unknown tool published tool:executing")
	}
}

func TestExecuteTool_ValidationFailure(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "read_file", `{"path":123}`),
		textTurn("ok"),
	}}
	loop, b, _ := newTestLoop(t, client, agent.Config{})

	if err := loop.ProcessMessage(context.Background(), "go"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	completes := b.History(bus.ToolComplete)
	if len(completes) != 1 || !completes[0].IsError {
		t.Fatalf("tool:complete events = %+v", completes)
	}
	if !strings.Contains(completes[0].Text, `"path"`) {
		t.Errorf("validation error does not name the field: %q", completes[0].Text)
	}
	if countEvents(b, bus.ToolExecuting) != 0 {
		t.Error("invalid input still reached execution")
	}
}

func TestExecuteTool_ApprovalDenied(t *testing.T) {
	input := `{"path":"guarded.txt","content":"should not exist"}`
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "write_file", input),
		textTurn("ok"),
	}}
	loop, b, sb := newTestLoop(t, client, agent.Config{ConfirmDestructive: true})

	b.Subscribe(bus.ToolApprovalRequired, func(ev bus.Event) {
		b.Publish(bus.Event{Kind: bus.ToolDenied, ToolID: ev.ToolID})
	})

	if err := loop.ProcessMessage(context.Background(), "write it"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	completes := b.History(bus.ToolComplete)
	if len(completes) != 1 || !completes[0].IsError {
		t.Fatalf("tool:complete events = %+v", completes)
	}
	if !strings.Contains(completes[0].Text, "denied") {
		t.Errorf("result text = %q", completes[0].Text)
	}
	if _, err := os.Stat(filepath.Join(sb.Root(), "guarded.txt")); !os.IsNotExist(err) {
		t.Error("denied write still created the file")
	}
}

func TestExecuteTool_ApprovalGranted(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "write_file", `{"path":"ok.txt","content":"approved"}`),
		textTurn("ok"),
	}}
	loop, b, sb := newTestLoop(t, client, agent.Config{ConfirmDestructive: true})

	b.Subscribe(bus.ToolApprovalRequired, func(ev bus.Event) {
		b.Publish(bus.Event{Kind: bus.ToolApproved, ToolID: ev.ToolID})
	})

	if err := loop.ProcessMessage(context.Background(), "write it"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(sb.Root(), "ok.txt"))
	if err != nil {
		t.Fatalf("approved write missing: %v", err)
	}
	if string(got) != "approved" {
		t.Errorf("file content = %q", got)
	}
}

func TestExecuteTool_NoApprovalWhenDisabled(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "write_file", `{"path":"free.txt","content":"x"}`),
		textTurn("ok"),
	}}
	loop, b, sb := newTestLoop(t, client, agent.Config{ConfirmDestructive: false})

	if err := loop.ProcessMessage(context.Background(), "write it"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if countEvents(b, bus.ToolApprovalRequired) != 0 {
		t.Error("approval requested with confirmation disabled")
	}
	if _, err := os.Stat(filepath.Join(sb.Root(), "free.txt")); err != nil {
		t.Errorf("file not written: %v", err)
	}
}

// slowTool blocks until its context is cancelled.
type slowTool struct{}

func (s *slowTool) Name() string                 { return "slow" }
func (s *slowTool) Description() string          { return "blocks forever" }
func (s *slowTool) RequiresConfirmation() bool   { return false }
func (s *slowTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *slowTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	<-ctx.Done()
	// Linger so the caller's timeout branch wins its race deterministically.
	time.Sleep(100 * time.Millisecond)
	return "", ctx.Err()
}

func TestExecuteTool_Timeout(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "slow", `{}`),
		textTurn("ok"),
	}}
	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.DefaultRegistry(sb)
	reg.Register(&slowTool{})
	b := bus.New()
	loop := agent.New(client, reg, b, agent.Config{ToolTimeout: 50 * time.Millisecond})
	defer loop.Close()

	if err := loop.ProcessMessage(context.Background(), "go"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	completes := b.History(bus.ToolComplete)
	if len(completes) != 1 || !completes[0].IsError {
		t.Fatalf("tool:complete events = %+v", completes)
	}
	if !strings.Contains(completes[0].Text, "timed out") {
		t.Errorf("result text = %q", completes[0].Text)
	}
	if loop.State() != agent.StateIdle {
		t.Errorf("state = %s, want idle", loop.State())
	}
}

func TestExecuteTool_SteeringOnRepeatedCalls(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "list_dir", `{}`),
	}}
	loop, b, _ := newTestLoop(t, client, agent.Config{MaxTurns: 5})

	err := loop.ProcessMessage(context.Background(), "go")
	var maxErr *agent.MaxTurnsError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected *MaxTurnsError, got %v", err)
	}
	if countEvents(b, bus.AgentSteering) == 0 {
		t.Error("expected steering after repeated identical tool calls")
	}
}

// ─── trimming and cancellation ────────────────────────────────────────────────

func TestProcessMessage_ContextTrimming(t *testing.T) {
	big := strings.Repeat("lorem ipsum ", 100)
	client := &scriptedClient{turns: [][]llm.StreamEvent{textTurn(big)}}
	loop, b, _ := newTestLoop(t, client, agent.Config{ContextBudget: 400})

	for i := 0; i < 4; i++ {
		if err := loop.ProcessMessage(context.Background(), big); err != nil {
			t.Fatalf("ProcessMessage %d: %v", i, err)
		}
	}
	trims := b.History(bus.SessionContextTrimmed)
	if len(trims) == 0 {
		t.Fatal("expected context_trimmed events")
	}
	for _, ev := range trims {
		if ev.Count <= 0 {
			t.Errorf("context_trimmed with count %d", ev.Count)
		}
	}
}

func TestProcessMessage_StillBusyAfterCancelMidFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &gatedClient{started: started, release: release}
	loop, _, _ := newTestLoop(t, client, agent.Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- loop.ProcessMessage(context.Background(), "first") }()
	<-started

	// Cancel and ClearHistory force the observable state back to idle, but
	// the first call is still unwinding; no second message may slip in.
	loop.Cancel()
	if err := loop.ProcessMessage(context.Background(), "second"); err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected busy rejection after mid-flight cancel, got %v", err)
	}
	loop.ClearHistory()
	if err := loop.ProcessMessage(context.Background(), "third"); err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected busy rejection after mid-flight clear, got %v", err)
	}

	close(release)
	<-errCh

	if err := loop.ProcessMessage(context.Background(), "fourth"); err != nil {
		t.Fatalf("ProcessMessage after unwind: %v", err)
	}
}

func TestCancel_WhileIdleIsNoOp(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{textTurn("hi")}}
	loop, b, _ := newTestLoop(t, client, agent.Config{})

	loop.Cancel()
	if loop.State() != agent.StateIdle {
		t.Errorf("state = %s", loop.State())
	}
	if countEvents(b, bus.AgentCancelled) != 0 {
		t.Error("idle cancel published agent:cancelled")
	}
}

func TestCancel_DeniesPendingApproval(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamEvent{
		toolTurn("call-1", "write_file", `{"path":"c.txt","content":"x"}`),
		textTurn("ok"),
	}}
	loop, b, sb := newTestLoop(t, client, agent.Config{ConfirmDestructive: true})

	approvalSeen := make(chan struct{})
	b.Subscribe(bus.ToolApprovalRequired, func(bus.Event) { close(approvalSeen) })

	errCh := make(chan error, 1)
	go func() { errCh <- loop.ProcessMessage(context.Background(), "write it") }()
	<-approvalSeen
	loop.Cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("ProcessMessage after cancelled approval: %v", err)
	}

	completes := b.History(bus.ToolComplete)
	if len(completes) != 1 || !completes[0].IsError {
		t.Fatalf("tool:complete events = %+v", completes)
	}
	if _, err := os.Stat(filepath.Join(sb.Root(), "c.txt")); !os.IsNotExist(err) {
		t.Error("cancelled approval still wrote the file")
	}
}
