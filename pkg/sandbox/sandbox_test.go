package sandbox_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rparthas/loom/pkg/sandbox"
)

func TestResolve_Inside(t *testing.T) {
	dir := t.TempDir()
	sb, err := sandbox.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	cases := []string{"a.txt", "sub/dir/b.go", ".", "sub/../c.txt"}
	for _, p := range cases {
		abs, err := sb.Resolve(p)
		if err != nil {
			t.Errorf("Resolve(%q): unexpected error %v", p, err)
			continue
		}
		if abs != sb.Root() && !strings.HasPrefix(abs, sb.Root()+string(filepath.Separator)) {
			t.Errorf("Resolve(%q) = %q, not under root %q", p, abs, sb.Root())
		}
	}
}

func TestResolve_Traversal(t *testing.T) {
	dir := t.TempDir()
	sb, _ := sandbox.New(dir)

	cases := []string{"../escape", "../../etc/passwd", "/etc/passwd", "sub/../../escape"}
	for _, p := range cases {
		_, err := sb.Resolve(p)
		if err == nil {
			t.Errorf("Resolve(%q): expected traversal error", p)
			continue
		}
		var pte *sandbox.PathTraversalError
		if !errors.As(err, &pte) {
			t.Errorf("Resolve(%q): error type = %T, want *PathTraversalError", p, err)
		}
	}
}

func TestStatSafe_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	dir := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	sb, _ := sandbox.New(dir)
	_, safe, err := sb.StatSafe("link.txt")
	if err != nil {
		t.Fatalf("StatSafe: %v", err)
	}
	if safe {
		t.Error("StatSafe reported a symlink escaping the root as safe")
	}
}

func TestStatSafe_SymlinkDirWithMissingSubpath(t *testing.T) {
	outside := t.TempDir()
	dir := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	sb, _ := sandbox.New(dir)
	// None of these exist yet; the escape must still be caught no matter how
	// many missing components sit below the symlinked directory.
	for _, p := range []string{"link/evil.txt", "link/sub/evil.txt", "link/a/b/c/evil.txt"} {
		_, safe, err := sb.StatSafe(p)
		if err != nil {
			t.Fatalf("StatSafe(%q): %v", p, err)
		}
		if safe {
			t.Errorf("StatSafe(%q) reported a path through an escaping symlink as safe", p)
		}
	}
}

func TestStatSafe_SymlinkDirInsideRoot(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "real"), filepath.Join(dir, "alias")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	sb, _ := sandbox.New(dir)
	_, safe, err := sb.StatSafe("alias/new/file.txt")
	if err != nil {
		t.Fatalf("StatSafe: %v", err)
	}
	if !safe {
		t.Error("StatSafe rejected a symlink that stays inside the root")
	}
}

func TestStatSafe_RegularFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	sb, _ := sandbox.New(dir)
	_, safe, err := sb.StatSafe("f.txt")
	if err != nil {
		t.Fatalf("StatSafe: %v", err)
	}
	if !safe {
		t.Error("StatSafe reported a regular in-root file as unsafe")
	}
}

func TestStatSafe_NewFile(t *testing.T) {
	dir := t.TempDir()
	sb, _ := sandbox.New(dir)
	_, safe, err := sb.StatSafe("brand/new/file.txt")
	if err != nil {
		t.Fatalf("StatSafe: %v", err)
	}
	if !safe {
		t.Error("StatSafe should accept a not-yet-existing path under the root")
	}
}

func TestIsBinaryFile(t *testing.T) {
	dir := t.TempDir()
	sb, _ := sandbox.New(dir)

	text := filepath.Join(dir, "text.txt")
	if err := os.WriteFile(text, []byte("plain text\nno nulls here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(dir, "bin.dat")
	if err := os.WriteFile(bin, []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}

	if got, err := sb.IsBinaryFile(text); err != nil || got {
		t.Errorf("IsBinaryFile(text) = %v, %v; want false, nil", got, err)
	}
	if got, err := sb.IsBinaryFile(bin); err != nil || !got {
		t.Errorf("IsBinaryFile(bin) = %v, %v; want true, nil", got, err)
	}
}
