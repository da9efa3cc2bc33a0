package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rparthas/loom/pkg/agent/tools"
)

type schemaStubTool struct {
	schema string
}

func (s *schemaStubTool) Name() string                 { return "stub" }
func (s *schemaStubTool) Description() string          { return "stub" }
func (s *schemaStubTool) RequiresConfirmation() bool   { return false }
func (s *schemaStubTool) InputSchema() json.RawMessage { return json.RawMessage(s.schema) }
func (s *schemaStubTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", nil
}

func TestValidateInput(t *testing.T) {
	stub := &schemaStubTool{schema: `{
		"type": "object",
		"properties": {
			"path":    {"type": "string"},
			"limit":   {"type": "integer"},
			"dry_run": {"type": "boolean"}
		},
		"required": ["path"]
	}`}

	tests := []struct {
		name      string
		input     string
		wantError []string // substrings that must appear in the error
	}{
		{"valid", `{"path":"a.txt","limit":5,"dry_run":true}`, nil},
		{"required only", `{"path":"a.txt"}`, nil},
		{"extra field tolerated", `{"path":"a.txt","unknown":1}`, nil},
		{"missing required", `{}`, []string{`missing required field "path"`}},
		{"null required", `{"path":null}`, []string{`missing required field "path"`}},
		{"wrong type", `{"path":123}`, []string{`field "path" must be a string`}},
		{"multiple problems", `{"limit":"ten"}`, []string{`missing required field "path"`, `field "limit" must be a integer`}},
		{"not an object", `[1,2]`, []string{"not a JSON object"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tools.ValidateInput(stub, json.RawMessage(tt.input))
			if len(tt.wantError) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *tools.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error type %T, want *ValidationError", err)
			}
			for _, want := range tt.wantError {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q missing %q", err.Error(), want)
				}
			}
		})
	}
}

func TestValidateInput_EmptyInput(t *testing.T) {
	stub := &schemaStubTool{schema: `{"type":"object","properties":{},"required":[]}`}
	if err := tools.ValidateInput(stub, nil); err != nil {
		t.Fatalf("empty input with no required fields: %v", err)
	}
}
