package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rparthas/loom/pkg/sandbox"
)

const maxFindMatches = 100

// FindFileTool locates files by name using a glob pattern matched against
// each file's base name. It walks the tree directly, so no shell or external
// process is involved.
type FindFileTool struct {
	sb *sandbox.Sandbox
}

// NewFindFileTool creates a FindFileTool confined to the given sandbox.
func NewFindFileTool(sb *sandbox.Sandbox) *FindFileTool {
	return &FindFileTool{sb: sb}
}

func (t *FindFileTool) Name() string { return "find_file" }
func (t *FindFileTool) Description() string {
	return "Find files whose name matches a glob pattern (e.g. '*.go', 'config.*')."
}
func (t *FindFileTool) RequiresConfirmation() bool { return false }
func (t *FindFileTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Glob pattern matched against file names"},
			"path":    {"type": "string", "description": "Directory to search, relative to the project root (default: '.')"}
		},
		"required": ["pattern"]
	}`)
}

func (t *FindFileTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("find_file: invalid input: %w", err)
	}
	if params.Pattern == "" {
		return "", fmt.Errorf("find_file: pattern must not be empty")
	}
	if _, err := filepath.Match(params.Pattern, "probe"); err != nil {
		return "", fmt.Errorf("find_file: bad pattern %q: %w", params.Pattern, err)
	}
	if params.Path == "" {
		params.Path = "."
	}
	abs, err := t.sb.Resolve(params.Path)
	if err != nil {
		return "", err
	}

	var matches []string
	truncated := false
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != abs {
				return filepath.SkipDir
			}
			return nil
		}
		ok, _ := filepath.Match(params.Pattern, d.Name())
		if !ok {
			return nil
		}
		rel, relErr := filepath.Rel(t.sb.Root(), path)
		if relErr != nil {
			rel = path
		}
		matches = append(matches, rel)
		if len(matches) >= maxFindMatches {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("find_file: %w", err)
	}

	if len(matches) == 0 {
		return "no matches found", nil
	}
	result := strings.Join(matches, "\n")
	if truncated {
		result += fmt.Sprintf("\n(truncated: showing first %d matches)", maxFindMatches)
	}
	return result, nil
}
