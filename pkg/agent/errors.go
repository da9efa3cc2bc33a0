package agent

import (
	"fmt"
	"time"
)

// MaxTurnsError is reported when one user message exhausts the configured
// turn ceiling without the model stopping voluntarily. It is a circuit
// breaker, not a fatal condition: the loop returns to idle and the user may
// simply ask again.
type MaxTurnsError struct {
	Turns int
}

func (e *MaxTurnsError) Error() string {
	return fmt.Sprintf("agent exceeded maximum turns per message (%d)", e.Turns)
}

// ToolTimeoutError is reported when a tool ran longer than its allotted
// time. The tool is forcibly terminated if it is a subprocess.
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
}
