package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rparthas/loom/pkg/sandbox"
)

// EditFileTool replaces one exact occurrence of old_string with new_string.
// The search string must occur exactly once: zero occurrences is a "not
// found" failure, more than one is a "not unique" failure requiring the
// caller to disambiguate. The tool never picks a match heuristically, and a
// failed edit leaves the file byte-identical to its pre-edit state.
type EditFileTool struct {
	sb *sandbox.Sandbox
}

// NewEditFileTool creates an EditFileTool confined to the given sandbox.
func NewEditFileTool(sb *sandbox.Sandbox) *EditFileTool {
	return &EditFileTool{sb: sb}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. old_string must occur exactly once; " +
		"include enough surrounding context to make it unique. " +
		"Use read_file first to confirm the exact text you want to replace."
}
func (t *EditFileTool) RequiresConfirmation() bool { return true }
func (t *EditFileTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path":       {"type": "string", "description": "File path relative to the project root"},
			"old_string": {"type": "string", "description": "Exact text to replace (must occur exactly once)"},
			"new_string": {"type": "string", "description": "Replacement text"}
		},
		"required": ["path", "old_string", "new_string"]
	}`)
}

func (t *EditFileTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path      string `json:"path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("edit_file: invalid input: %w", err)
	}
	if params.OldString == "" {
		return "", fmt.Errorf("edit_file: old_string must not be empty")
	}

	abs, safe, err := t.sb.StatSafe(params.Path)
	if err != nil {
		return "", err
	}
	if !safe {
		return "", fmt.Errorf("edit_file: %s resolves outside the project root", params.Path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("edit_file: read %s: %w", params.Path, err)
	}

	content := string(data)
	switch n := strings.Count(content, params.OldString); {
	case n == 0:
		return "", fmt.Errorf("edit_file: old_string not found in %s", params.Path)
	case n > 1:
		return "", fmt.Errorf("edit_file: old_string occurs %d times in %s, not unique; add surrounding context", n, params.Path)
	}

	patched := strings.Replace(content, params.OldString, params.NewString, 1)
	if err := atomicWrite(abs, []byte(patched), 0o644); err != nil {
		return "", fmt.Errorf("edit_file: write %s: %w", params.Path, err)
	}

	delta := len(patched) - len(content)
	return fmt.Sprintf("edited %s (replaced %d bytes with %d bytes, delta %+d)",
		params.Path, len(params.OldString), len(params.NewString), delta), nil
}
