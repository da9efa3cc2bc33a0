// Package sandbox confines all file and path operations to a single project
// root. Every tool resolves paths through a Sandbox before touching disk.
package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxReadSize is the largest file the read tool will load into memory.
	MaxReadSize = 10 * 1024 * 1024

	// binarySniffLen is how many leading bytes are inspected for NUL bytes
	// when deciding whether a file is binary.
	binarySniffLen = 8 * 1024
)

// PathTraversalError reports a path that resolves outside the sandbox root.
type PathTraversalError struct {
	Path string
	Root string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q resolves outside sandbox root %q", e.Path, e.Root)
}

// Sandbox validates paths against a project root. One instance is created at
// process start and shared by every tool; the root never changes afterwards.
type Sandbox struct {
	root string
}

// New creates a Sandbox rooted at the given directory. The root is made
// absolute and cleaned once, up front.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: invalid root %q: %w", root, err)
	}
	return &Sandbox{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute project root.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps an input path (relative to the root, or absolute) to a cleaned
// absolute path, failing with a PathTraversalError if the result is not the
// root itself or strictly inside it. Resolution is lexical; symlink targets
// are checked separately by StatSafe.
func (s *Sandbox) Resolve(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(s.root, path))
	}
	if !s.contains(abs) {
		return "", &PathTraversalError{Path: path, Root: s.root}
	}
	return abs, nil
}

// StatSafe resolves a path like Resolve and additionally follows symbolic
// links. It reports safe=false (never an error) when the link target lies
// outside the root, so read operations cannot leak symlinked host files.
// Paths that do not exist yet are validated against their nearest existing
// ancestor, which covers writes that create new files and directories.
func (s *Sandbox) StatSafe(path string) (resolved string, safe bool, err error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return "", false, err
	}

	real, evalErr := filepath.EvalSymlinks(abs)
	if evalErr != nil {
		// The target, and any number of its ancestors, may not exist yet.
		// Walk up to the nearest existing ancestor, resolve its links, and
		// re-join the missing components so a symlinked directory cannot
		// smuggle a deep write out of the root.
		base := abs
		var rest string
		for {
			parent := filepath.Dir(base)
			if parent == base {
				return abs, false, nil
			}
			rest = filepath.Join(filepath.Base(base), rest)
			base = parent
			if r, ancestorErr := filepath.EvalSymlinks(base); ancestorErr == nil {
				real = filepath.Join(r, rest)
				break
			}
		}
	}

	rootReal, rootErr := filepath.EvalSymlinks(s.root)
	if rootErr != nil {
		rootReal = s.root
	}
	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return abs, false, nil
	}
	return abs, true, nil
}

// IsBinaryFile reads the leading 8 KiB of the file at the given absolute path
// and reports true if any NUL byte is present.
func (s *Sandbox) IsBinaryFile(abs string) (bool, error) {
	f, err := os.Open(abs)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, binarySniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.IndexByte(buf[:n], 0) >= 0, nil
}

func (s *Sandbox) contains(abs string) bool {
	return abs == s.root || strings.HasPrefix(abs, s.root+string(filepath.Separator))
}
