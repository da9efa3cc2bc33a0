package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rparthas/loom/pkg/sandbox"
)

// ReadFileTool reads a text file inside the sandbox.
type ReadFileTool struct {
	sb *sandbox.Sandbox
}

// NewReadFileTool creates a ReadFileTool confined to the given sandbox.
func NewReadFileTool(sb *sandbox.Sandbox) *ReadFileTool {
	return &ReadFileTool{sb: sb}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a text file. Fails on binary files and files larger than 10 MiB."
}
func (t *ReadFileTool) RequiresConfirmation() bool { return false }
func (t *ReadFileTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the project root"}},"required":["path"]}`)
}

func (t *ReadFileTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("read_file: invalid input: %w", err)
	}

	// Reads must not follow a symlink out of the project root.
	abs, safe, err := t.sb.StatSafe(params.Path)
	if err != nil {
		return "", err
	}
	if !safe {
		return "", fmt.Errorf("read_file: %s is a symlink to a location outside the project root", params.Path)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if info.Size() > sandbox.MaxReadSize {
		return "", fmt.Errorf("read_file: %s is %d bytes, exceeding the %d byte limit", params.Path, info.Size(), int64(sandbox.MaxReadSize))
	}

	binary, err := t.sb.IsBinaryFile(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if binary {
		return "", fmt.Errorf("read_file: %s appears to be a binary file", params.Path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	return string(data), nil
}
