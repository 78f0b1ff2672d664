// Tests for repository discovery and remote slug parsing.
package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cmtonkinson/clover/internal/testrepos"
)

// TestDiscoverRootFromNestedDir verifies nested paths resolve the repo root.
func TestDiscoverRootFromNestedDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", nested, err)
	}

	got, err := DiscoverRoot(nested)
	if err != nil {
		t.Fatalf("discover root: %v", err)
	}
	if want := canonicalPath(t, root); got != want {
		t.Fatalf("repo root = %s, want %s", got, want)
	}
}

// TestDiscoverRootWithGitFile verifies a linked worktree's .git file marks a root.
func TestDiscoverRootWithGitFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".git"), []byte("gitdir: /tmp/nowhere\n"), 0o644); err != nil {
		t.Fatalf("write .git: %v", err)
	}
	file := filepath.Join(root, "README.md")
	if err := os.WriteFile(file, []byte("# readme\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	got, err := DiscoverRoot(file)
	if err != nil {
		t.Fatalf("discover root: %v", err)
	}
	if want := canonicalPath(t, root); got != want {
		t.Fatalf("repo root = %s, want %s", got, want)
	}
}

// TestDiscoverRootMissingRepo verifies a clear error outside any repository.
func TestDiscoverRootMissingRepo(t *testing.T) {
	_, err := DiscoverRoot(t.TempDir())
	if !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("expected ErrRepoNotFound, got %v", err)
	}
}

// TestParseSlug covers the URL shapes git remotes use.
func TestParseSlug(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{name: "https", url: "https://github.com/acme/widgets.git", expected: "acme/widgets"},
		{name: "https without suffix", url: "https://github.com/acme/widgets/", expected: "acme/widgets"},
		{name: "scp", url: "git@github.com:acme/widgets.git", expected: "acme/widgets"},
		{name: "ssh", url: "ssh://git@github.com/acme/widgets.git", expected: "acme/widgets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSlug(tt.url)
			if err != nil {
				t.Fatalf("ParseSlug(%q): %v", tt.url, err)
			}
			if got != tt.expected {
				t.Errorf("ParseSlug(%q) = %q, want %q", tt.url, got, tt.expected)
			}
		})
	}

	for _, bad := range []string{"", "widgets", "https://github.com/acme", "git@github.com:"} {
		if _, err := ParseSlug(bad); err == nil {
			t.Errorf("ParseSlug(%q) expected error", bad)
		}
	}
}

// TestRemoteSlugReadsOrigin verifies the slug comes from the configured remote.
func TestRemoteSlugReadsOrigin(t *testing.T) {
	tmp := testrepos.New(t)
	tmp.RunGit(t, "remote", "add", "upstream", "git@github.com:acme/widgets.git")

	got, err := RemoteSlug(context.Background(), tmp.Root, "upstream")
	if err != nil {
		t.Fatalf("remote slug: %v", err)
	}
	if got != "acme/widgets" {
		t.Fatalf("slug = %q", got)
	}
	if _, err := RemoteSlug(context.Background(), tmp.Root, "missing"); err == nil {
		t.Fatalf("expected error for unknown remote")
	}
}

// canonicalPath resolves symlinks to provide a stable comparison path.
func canonicalPath(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("eval symlinks %s: %v", path, err)
	}
	return resolved
}
