package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rparthas/loom/pkg/sandbox"
)

const maxListEntries = 500

// ListDirTool lists files in a directory inside the sandbox.
type ListDirTool struct {
	sb *sandbox.Sandbox
}

// NewListDirTool creates a ListDirTool confined to the given sandbox.
func NewListDirTool(sb *sandbox.Sandbox) *ListDirTool {
	return &ListDirTool{sb: sb}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List files in a directory." }
func (t *ListDirTool) RequiresConfirmation() bool { return false }
func (t *ListDirTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the project root (default: '.')"}}}`)
}

func (t *ListDirTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(input, &params) // path is optional
	if params.Path == "" {
		params.Path = "."
	}
	abs, err := t.sb.Resolve(params.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list_dir: %w", err)
	}

	var sb strings.Builder
	for i, e := range entries {
		if i >= maxListEntries {
			fmt.Fprintf(&sb, "(truncated: %d of %d entries shown)\n", maxListEntries, len(entries))
			break
		}
		if e.IsDir() {
			sb.WriteString(filepath.Join(params.Path, e.Name()) + "/\n")
		} else {
			sb.WriteString(filepath.Join(params.Path, e.Name()) + "\n")
		}
	}
	return sb.String(), nil
}
