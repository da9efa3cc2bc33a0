package tools_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rparthas/loom/pkg/agent/tools"
	"github.com/rparthas/loom/pkg/sandbox"
)

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func TestRegistry_GetMissing(t *testing.T) {
	reg := tools.NewRegistry()
	_, err := reg.Get("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing tool")
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := tools.DefaultRegistry(newSandbox(t))
	all := reg.All()
	if len(all) != 7 {
		t.Fatalf("expected 7 built-in tools, got %d", len(all))
	}
	want := map[string]bool{
		"read_file": false, "write_file": true, "edit_file": true,
		"list_dir": false, "grep": false, "find_file": false, "run_command": true,
	}
	for _, tool := range all {
		confirm, ok := want[tool.Name()]
		if !ok {
			t.Errorf("unexpected tool %q", tool.Name())
			continue
		}
		if tool.RequiresConfirmation() != confirm {
			t.Errorf("%s.RequiresConfirmation() = %v, want %v", tool.Name(), tool.RequiresConfirmation(), confirm)
		}
	}
}

// ─── read_file ────────────────────────────────────────────────────────────────

func TestReadFileTool(t *testing.T) {
	sb := newSandbox(t)
	content := "hello world\n"
	if err := os.WriteFile(filepath.Join(sb.Root(), "test.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := tools.NewReadFileTool(sb)
	out, err := tool.Execute(context.Background(), []byte(`{"path":"test.txt"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != content {
		t.Errorf("output = %q, want %q", out, content)
	}
}

func TestReadFileTool_PathTraversal(t *testing.T) {
	tool := tools.NewReadFileTool(newSandbox(t))
	_, err := tool.Execute(context.Background(), []byte(`{"path":"../../etc/passwd"}`))
	if err == nil {
		t.Fatal("expected path traversal error")
	}
}

func TestReadFileTool_Binary(t *testing.T) {
	sb := newSandbox(t)
	if err := os.WriteFile(filepath.Join(sb.Root(), "blob.bin"), []byte{1, 2, 0, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	tool := tools.NewReadFileTool(sb)
	_, err := tool.Execute(context.Background(), []byte(`{"path":"blob.bin"}`))
	if err == nil || !strings.Contains(err.Error(), "binary") {
		t.Fatalf("expected binary-file error, got %v", err)
	}
}

// ─── write_file ───────────────────────────────────────────────────────────────

func TestWriteFileTool(t *testing.T) {
	sb := newSandbox(t)
	tool := tools.NewWriteFileTool(sb)
	_, err := tool.Execute(context.Background(), []byte(`{"path":"sub/out.txt","content":"data"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(sb.Root(), "sub", "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Errorf("file content = %q", got)
	}
}

func TestWriteFileTool_NoTempResidue(t *testing.T) {
	sb := newSandbox(t)
	tool := tools.NewWriteFileTool(sb)
	if _, err := tool.Execute(context.Background(), []byte(`{"path":"a.txt","content":"x"}`)); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(sb.Root())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file %q left behind", e.Name())
		}
	}
}

func TestWriteFileTool_SymlinkedDirEscape(t *testing.T) {
	outside := t.TempDir()
	sb := newSandbox(t)
	if err := os.Symlink(outside, filepath.Join(sb.Root(), "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	tool := tools.NewWriteFileTool(sb)

	out, err := tool.Execute(context.Background(), []byte(`{"path":"link/sub/evil.txt","content":"escaped"}`))
	if err == nil {
		t.Fatalf("write through an escaping symlink succeeded: %q", out)
	}
	if !strings.Contains(err.Error(), "outside the project root") {
		t.Errorf("error = %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(outside, "sub", "evil.txt")); !os.IsNotExist(statErr) {
		t.Error("file was created outside the sandbox root")
	}
}

// ─── edit_file ────────────────────────────────────────────────────────────────

func TestEditFileTool_ExactlyOnce(t *testing.T) {
	sb := newSandbox(t)
	path := filepath.Join(sb.Root(), "f.go")
	if err := os.WriteFile(path, []byte("alpha beta gamma"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := tools.NewEditFileTool(sb)

	input, _ := json.Marshal(map[string]string{"path": "f.go", "old_string": "beta", "new_string": "BETA"})
	if _, err := tool.Execute(context.Background(), input); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "alpha BETA gamma" {
		t.Errorf("file = %q", got)
	}
}

func TestEditFileTool_NotFound(t *testing.T) {
	sb := newSandbox(t)
	original := "alpha beta gamma"
	path := filepath.Join(sb.Root(), "f.go")
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := tools.NewEditFileTool(sb)

	input, _ := json.Marshal(map[string]string{"path": "f.go", "old_string": "delta", "new_string": "x"})
	_, err := tool.Execute(context.Background(), input)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != original {
		t.Errorf("file changed on failed edit: %q", got)
	}
}

func TestEditFileTool_NotUnique(t *testing.T) {
	sb := newSandbox(t)
	original := "x y x"
	path := filepath.Join(sb.Root(), "f.go")
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := tools.NewEditFileTool(sb)

	input, _ := json.Marshal(map[string]string{"path": "f.go", "old_string": "x", "new_string": "z"})
	_, err := tool.Execute(context.Background(), input)
	if err == nil || !strings.Contains(err.Error(), "not unique") {
		t.Fatalf("expected not-unique error, got %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != original {
		t.Errorf("file changed on failed edit: %q", got)
	}
}

// ─── list_dir ─────────────────────────────────────────────────────────────────

func TestListDirTool(t *testing.T) {
	sb := newSandbox(t)
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(sb.Root(), name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(sb.Root(), "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	tool := tools.NewListDirTool(sb)
	out, err := tool.Execute(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"a.txt", "b.txt", "sub/"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// ─── grep / find_file ─────────────────────────────────────────────────────────

func TestGrepTool(t *testing.T) {
	sb := newSandbox(t)
	if err := os.WriteFile(filepath.Join(sb.Root(), "code.go"), []byte("package main\nfunc needle() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := tools.NewGrepTool(sb)
	out, err := tool.Execute(context.Background(), []byte(`{"pattern":"needle"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "code.go") || !strings.Contains(out, "needle") {
		t.Errorf("output = %q", out)
	}
}

func TestGrepTool_NoMatches(t *testing.T) {
	sb := newSandbox(t)
	if err := os.WriteFile(filepath.Join(sb.Root(), "code.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := tools.NewGrepTool(sb)
	out, err := tool.Execute(context.Background(), []byte(`{"pattern":"no_such_symbol_here"}`))
	if err != nil {
		t.Fatalf("no matches must not be an error, got %v", err)
	}
	if out != "no matches found" {
		t.Errorf("output = %q", out)
	}
}

func TestFindFileTool(t *testing.T) {
	sb := newSandbox(t)
	if err := os.MkdirAll(filepath.Join(sb.Root(), "pkg", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"main.go", "pkg/deep/util.go", "pkg/deep/readme.md"} {
		if err := os.WriteFile(filepath.Join(sb.Root(), p), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tool := tools.NewFindFileTool(sb)
	out, err := tool.Execute(context.Background(), []byte(`{"pattern":"*.go"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "main.go") || !strings.Contains(out, filepath.Join("pkg", "deep", "util.go")) {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "readme.md") {
		t.Errorf("unexpected match: %q", out)
	}
}

// ─── run_command ──────────────────────────────────────────────────────────────

func TestRunCommandTool(t *testing.T) {
	tool := tools.NewRunCommandTool(newSandbox(t))
	out, err := tool.Execute(context.Background(), []byte(`{"command":"echo hi | grep h"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "hi") {
		t.Errorf("output = %q", out)
	}
}

func TestRunCommandTool_Blocked(t *testing.T) {
	tool := tools.NewRunCommandTool(newSandbox(t))
	_, err := tool.Execute(context.Background(), []byte(`{"command":"rm -rf /"}`))
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestRunCommandTool_ExitCode(t *testing.T) {
	tool := tools.NewRunCommandTool(newSandbox(t))
	out, err := tool.Execute(context.Background(), []byte(`{"command":"echo partial; exit 3"}`))
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	if !strings.Contains(out, "partial") {
		t.Errorf("output before failure not captured: %q", out)
	}
}

func TestRunCommandTool_OutputCap(t *testing.T) {
	tool := tools.NewRunCommandTool(newSandbox(t))
	// ~300 KB of output, over the 200 KB cap.
	out, err := tool.Execute(context.Background(), []byte(`{"command":"yes 0123456789abcdef | head -c 300000"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) > 210*1024 {
		t.Errorf("output not capped: %d bytes", len(out))
	}
	if !strings.Contains(out, "truncated") {
		t.Error("missing truncation marker")
	}
}
