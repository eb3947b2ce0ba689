package repopath

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func mustResolve(t *testing.T, root, userPath string) string {
	t.Helper()
	got, err := Resolve(root, userPath)
	if err != nil {
		t.Fatalf("Resolve(%q, %q): %v", root, userPath, err)
	}
	return got
}

func TestResolveRootAliases(t *testing.T) {
	root := t.TempDir()
	canonRoot := mustResolve(t, root, "")

	for _, alias := range []string{"", ".", "/", "./"} {
		got := mustResolve(t, root, alias)
		if got != canonRoot {
			t.Errorf("alias %q: got %q, want %q", alias, got, canonRoot)
		}
	}
}

func TestResolveRelative(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}

	canonRoot := mustResolve(t, root, "")
	want := filepath.Join(canonRoot, "src", "main.go")

	for _, input := range []string{"src/main.go", "./src/main.go", "/src/main.go"} {
		got := mustResolve(t, root, input)
		if got != want {
			t.Errorf("Resolve(%q): got %q, want %q", input, got, want)
		}
	}
}

func TestResolveNewFile(t *testing.T) {
	// Paths that don't exist yet must resolve so write_to_file can
	// create them.
	root := t.TempDir()
	canonRoot := mustResolve(t, root, "")

	got := mustResolve(t, root, "newdir/sub/file.txt")
	want := filepath.Join(canonRoot, "newdir", "sub", "file.txt")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveEscapes(t *testing.T) {
	root := t.TempDir()

	for _, input := range []string{
		"../outside",
		"../../etc/passwd",
		"src/../../outside",
	} {
		_, err := Resolve(root, input)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Resolve(%q): got %v, want ErrInvalidPath", input, err)
		}
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	outside := t.TempDir()
	root := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(root, "link/secret.txt")
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("got %v, want ErrInvalidPath", err)
	}
}

func TestResolveRelativeRoot(t *testing.T) {
	_, err := Resolve("relative/root", "file.txt")
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("got %v, want ErrInvalidPath", err)
	}
}

func TestRel(t *testing.T) {
	root := t.TempDir()
	canonRoot := mustResolve(t, root, "")

	if got := Rel(canonRoot, filepath.Join(canonRoot, "a", "b.txt")); got != "a/b.txt" {
		t.Errorf("got %q, want %q", got, "a/b.txt")
	}
	if got := Rel(canonRoot, "/somewhere/else"); got != "/somewhere/else" {
		t.Errorf("got %q, want %q", got, "/somewhere/else")
	}
}
