package repo

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
)

// RemoteSlug reads the URL of remote in root and returns its "owner/repo" slug.
func RemoteSlug(ctx context.Context, root string, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", remote)
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("read url of remote %s: %w", remote, err)
	}
	return ParseSlug(strings.TrimSpace(string(out)))
}

// ParseSlug extracts "owner/repo" from an https, ssh or scp-style git URL.
func ParseSlug(remoteURL string) (string, error) {
	raw := strings.TrimSpace(remoteURL)
	var path string
	switch {
	case strings.Contains(raw, "://"):
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parse remote url %q: %w", raw, err)
		}
		path = parsed.Path
	case strings.Contains(raw, ":"):
		// git@github.com:owner/repo.git
		_, path, _ = strings.Cut(raw, ":")
	default:
		return "", fmt.Errorf("remote url %q has no host", raw)
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", fmt.Errorf("remote url %q does not name owner/repo", raw)
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1], nil
}
