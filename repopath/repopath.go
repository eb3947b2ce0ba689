// Package repopath resolves user-supplied paths against a repository
// root and refuses anything that escapes it.
package repopath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is wrapped by every resolution failure.
var ErrInvalidPath = errors.New("InvalidPath")

// Resolve normalizes userPath relative to repoRoot and returns the
// canonical absolute path. Empty, ".", "/" and "./" all name the root
// itself. Symbolic links are evaluated before the containment check,
// so a link pointing outside the root is rejected.
func Resolve(repoRoot, userPath string) (string, error) {
	if !filepath.IsAbs(repoRoot) {
		return "", fmt.Errorf("%w: repo root %q is not absolute", ErrInvalidPath, repoRoot)
	}

	root, err := canonicalize(filepath.Clean(repoRoot))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	p := strings.TrimSpace(userPath)
	switch p {
	case "", ".", "/", "./":
		return root, nil
	}
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")

	joined := filepath.Clean(filepath.Join(root, filepath.FromSlash(p)))

	canon, err := canonicalize(joined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if !Contains(root, canon) {
		return "", fmt.Errorf("%w: %q escapes repository root", ErrInvalidPath, userPath)
	}
	return canon, nil
}

// Contains reports whether path equals root or lies underneath it.
// Both arguments must already be canonical.
func Contains(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Rel returns path relative to root, in slash form, for display in
// tool results. Falls back to path itself if it is not under root.
func Rel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// canonicalize resolves symlinks over the longest existing prefix of
// path and rejoins the non-existing remainder. This lets the guard
// validate paths that are about to be created.
func canonicalize(path string) (string, error) {
	var tail []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("cannot resolve %q", path)
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
