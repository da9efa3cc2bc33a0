package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rparthas/loom/pkg/sandbox"
)

const maxGrepMatches = 200

// GrepTool searches file contents for a pattern. It prefers ripgrep and
// falls back to grep when rg is not installed, normalizing both tools'
// output and exit-code semantics (exit 1 means no matches, not an error).
// The pattern and path are passed as explicit arguments, never interpolated
// into a shell string.
type GrepTool struct {
	sb *sandbox.Sandbox
}

// NewGrepTool creates a GrepTool confined to the given sandbox.
func NewGrepTool(sb *sandbox.Sandbox) *GrepTool {
	return &GrepTool{sb: sb}
}

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Description() string {
	return "Search file contents for a regular expression. Returns matching lines in file:line:content format."
}
func (t *GrepTool) RequiresConfirmation() bool { return false }
func (t *GrepTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Regular expression to search for"},
			"path":    {"type": "string", "description": "Directory or file to search, relative to the project root (default: '.')"}
		},
		"required": ["pattern"]
	}`)
}

func (t *GrepTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("grep: invalid input: %w", err)
	}
	if params.Pattern == "" {
		return "", fmt.Errorf("grep: pattern must not be empty")
	}
	if params.Path == "" {
		params.Path = "."
	}
	abs, err := t.sb.Resolve(params.Path)
	if err != nil {
		return "", err
	}

	out, err := t.run(ctx, params.Pattern, abs)
	if err != nil {
		return "", err
	}
	return t.format(out), nil
}

func (t *GrepTool) run(ctx context.Context, pattern, abs string) (string, error) {
	if rgPath, lookErr := exec.LookPath("rg"); lookErr == nil {
		return runSearch(ctx, rgPath, []string{"--line-number", "--no-heading", "--max-count", fmt.Sprint(maxGrepMatches), "-e", pattern, abs}, t.sb.Root())
	}
	return runSearch(ctx, "grep", []string{"-rn", "-e", pattern, abs}, t.sb.Root())
}

// runSearch executes a search utility with an explicit argument list and
// normalizes exit codes: 1 means no matches, anything else nonzero is a
// real error.
func runSearch(ctx context.Context, bin string, args []string, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil // no matches
		}
		return "", fmt.Errorf("grep: %s failed: %v: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (t *GrepTool) format(out string) string {
	if strings.TrimSpace(out) == "" {
		return "no matches found"
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	// Report paths relative to the project root.
	prefix := t.sb.Root() + "/"
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(l, prefix)
	}
	if len(lines) > maxGrepMatches {
		lines = append(lines[:maxGrepMatches], fmt.Sprintf("(truncated: showing first %d matches)", maxGrepMatches))
	}
	return strings.Join(lines, "\n")
}
