// Package bus provides a typed, synchronous publish/subscribe hub. Every
// observable action in the system flows through it as an Event: presentation,
// persistence, and approval flows are all bus subscribers rather than direct
// callers.
package bus

import (
	"encoding/json"
	"time"
)

// Kind identifies an event variant. The catalog is closed: consumers switch
// over these constants and new kinds are added here, not invented ad hoc.
type Kind string

// Session lifecycle.
const (
	SessionStarted        Kind = "session:started"
	SessionCleared        Kind = "session:cleared"
	SessionContextTrimmed Kind = "session:context_trimmed"
)

// Agent lifecycle.
const (
	AgentThinking     Kind = "agent:thinking"
	AgentTextDelta    Kind = "agent:text_delta"
	AgentTextDone     Kind = "agent:text_done"
	AgentTurnComplete Kind = "agent:turn_complete"
	AgentError        Kind = "agent:error"
	AgentMaxTurns     Kind = "agent:max_turns"
	AgentCancelled    Kind = "agent:cancelled"
	AgentSteering     Kind = "agent:steering"
)

// Tool lifecycle.
const (
	ToolCall             Kind = "tool:call"
	ToolApprovalRequired Kind = "tool:approval_required"
	ToolApproved         Kind = "tool:approved"
	ToolDenied           Kind = "tool:denied"
	ToolExecuting        Kind = "tool:executing"
	ToolComplete         Kind = "tool:complete"
)

// System.
const (
	SystemError Kind = "system:error"
)

// Event is the single payload type carried on the bus. Which fields are
// populated depends on Kind; unused fields are zero. Time is stamped by
// Publish when the caller leaves it unset.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	// SessionID identifies the owning agent session on lifecycle events.
	SessionID string `json:"session_id,omitempty"`

	// Text carries deltas, completed text, error messages, and steering
	// guidance depending on Kind.
	Text string `json:"text,omitempty"`

	// Tool lifecycle fields, correlated by ToolID across
	// call/approval/executing/complete events.
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`

	// Count reports trimmed messages for SessionContextTrimmed and turns
	// consumed for AgentTurnComplete.
	Count int `json:"count,omitempty"`

	// Token totals, populated on AgentTurnComplete.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
