// Package tools implements the agent's capabilities: sandboxed file
// operations, content and name search, and shell execution. Every tool
// declares a JSON-schema input contract and whether it needs user approval
// before running.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rparthas/loom/pkg/sandbox"
)

// Tool is the interface every agent tool must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	// RequiresConfirmation reports whether the approval gate applies before
	// this tool may run.
	RequiresConfirmation() bool
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry maps tool names to Tool implementations.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry returns a Registry with all seven built-in tools, each
// confined to the given sandbox.
func DefaultRegistry(sb *sandbox.Sandbox) *Registry {
	r := NewRegistry()
	r.Register(NewReadFileTool(sb))
	r.Register(NewWriteFileTool(sb))
	r.Register(NewEditFileTool(sb))
	r.Register(NewListDirTool(sb))
	r.Register(NewGrepTool(sb))
	r.Register(NewFindFileTool(sb))
	r.Register(NewRunCommandTool(sb))
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns the tool with the given name, or an error if not found.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// All returns all registered tools in name order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
