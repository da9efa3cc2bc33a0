package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rparthas/loom/pkg/sandbox"
)

// WriteFileTool writes content to a file inside the sandbox, atomically.
type WriteFileTool struct {
	sb *sandbox.Sandbox
}

// NewWriteFileTool creates a WriteFileTool confined to the given sandbox.
func NewWriteFileTool(sb *sandbox.Sandbox) *WriteFileTool {
	return &WriteFileTool{sb: sb}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed. Overwrites existing files."
}
func (t *WriteFileTool) RequiresConfirmation() bool { return true }
func (t *WriteFileTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the project root"},"content":{"type":"string","description":"Full file content to write"}},"required":["path","content"]}`)
}

func (t *WriteFileTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("write_file: invalid input: %w", err)
	}

	abs, safe, err := t.sb.StatSafe(params.Path)
	if err != nil {
		return "", err
	}
	if !safe {
		return "", fmt.Errorf("write_file: %s resolves outside the project root", params.Path)
	}

	if err := atomicWrite(abs, []byte(params.Content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path), nil
}
