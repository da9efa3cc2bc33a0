package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rparthas/loom/pkg/sandbox"
)

const (
	defaultCommandTimeout = 60 * time.Second
	killGracePeriod       = 5 * time.Second
	maxCommandOutput      = 200 * 1024
)

// RunCommandTool executes a shell command in the project root. Commands
// matching the destructive blocklist are denied before any subprocess is
// spawned. Accepted commands run in their own process group so a timeout can
// terminate the whole tree: SIGTERM first, then SIGKILL after a grace period.
type RunCommandTool struct {
	sb      *sandbox.Sandbox
	timeout time.Duration
}

// NewRunCommandTool creates a RunCommandTool confined to the given sandbox.
func NewRunCommandTool(sb *sandbox.Sandbox) *RunCommandTool {
	return &RunCommandTool{sb: sb, timeout: defaultCommandTimeout}
}

func (t *RunCommandTool) Name() string { return "run_command" }
func (t *RunCommandTool) Description() string {
	return "Run a shell command in the project root and return its combined output."
}
func (t *RunCommandTool) RequiresConfirmation() bool { return true }
func (t *RunCommandTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"}},"required":["command"]}`)
}

func (t *RunCommandTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("run_command: invalid input: %w", err)
	}
	if params.Command == "" {
		return "", fmt.Errorf("run_command: command must not be empty")
	}
	if reason, blocked := BlockedCommand(params.Command); blocked {
		return "", fmt.Errorf("run_command: command blocked (%s): %q", reason, params.Command)
	}

	cmd := exec.Command("/bin/sh", "-c", params.Command)
	cmd.Dir = t.sb.Root()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &cappedBuffer{max: maxCommandOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("run_command: start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		t.terminate(cmd, done)
		return out.String(), fmt.Errorf("run_command: cancelled: %w", ctx.Err())
	case <-time.After(t.timeout):
		t.terminate(cmd, done)
		return out.String(), fmt.Errorf("run_command: timed out after %s", t.timeout)
	}

	if runErr != nil {
		return out.String(), fmt.Errorf("run_command: %w", runErr)
	}
	return out.String(), nil
}

// terminate signals the process group to exit gracefully, escalating to
// SIGKILL if it has not exited within the grace period.
func (t *RunCommandTool) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGracePeriod):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-done
	}
}

// cappedBuffer captures combined output up to max bytes; excess is silently
// dropped and a truncation marker is appended on read.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	switch {
	case room >= len(p):
		b.buf.Write(p)
	case room > 0:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if b.truncated {
		s += "\n(output truncated at 200 KB)"
	}
	return s
}
