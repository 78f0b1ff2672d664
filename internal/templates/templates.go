// Package templates ships the built-in agent system prompts.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/cmtonkinson/clover/internal/executor"
)

const promptsRoot = "prompts"

// Prompt names looked up in the prompts directory.
const (
	ImplementPrompt = "implement.md"
	ReviewPrompt    = "review.md"
)

//go:embed prompts/*.md
var embeddedFS embed.FS

// Names returns the prompts every build must embed.
func Names() []string {
	return []string{ImplementPrompt, ReviewPrompt}
}

// Read returns the embedded prompt for name.
func Read(name string) (string, error) {
	cleaned, err := sanitizeName(name)
	if err != nil {
		return "", err
	}
	data, err := fs.ReadFile(embeddedFS, path.Join(promptsRoot, cleaned))
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", cleaned, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SystemPrompt prefers dir/name and falls back to the embedded prompt.
// An empty override file disables the prompt.
func SystemPrompt(dir string, name string) (string, error) {
	text, err := executor.LoadPrompt(dir, name)
	if err != nil {
		return "", err
	}
	if text != "" || overridden(dir, name) {
		return text, nil
	}
	return Read(name)
}

// sanitizeName accepts a bare markdown file name.
func sanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return "", errors.New("prompt name is required")
	case strings.ContainsAny(trimmed, `/\`):
		return "", fmt.Errorf("prompt name %q must not contain path separators", name)
	case trimmed == "." || trimmed == "..":
		return "", fmt.Errorf("prompt name %q is not a file", name)
	case path.Ext(trimmed) != ".md":
		return "", fmt.Errorf("prompt name %q must end in .md", name)
	}
	return trimmed, nil
}
