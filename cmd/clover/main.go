// Command clover watches a GitHub repository and drives coding agents through labeled issues,
// pull request reviews and comment-triggered merges.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmtonkinson/clover/internal/config"
	"github.com/cmtonkinson/clover/internal/repo"
)

func main() {
	cli := newApp(os.Stdin, os.Stdout, os.Stderr)
	if err := newRootCmd(cli).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "clover: %v\n", err)
		os.Exit(1)
	}
}

// app carries the process streams and global flags shared by every command.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	source config.Source
	now    func() time.Time

	repoDir string
	verbose bool
}

func newApp(stdin io.Reader, stdout io.Writer, stderr io.Writer) *app {
	return &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		source: config.DefaultSource(),
		now:    time.Now,
	}
}

func newRootCmd(cli *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "clover",
		Short:         "Turn labeled GitHub issues and pull requests into agent-driven work",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(cli.stdin)
	root.SetOut(cli.stdout)
	root.SetErr(cli.stderr)
	root.PersistentFlags().BoolVarP(&cli.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&cli.repoDir, "repo", "C", "", "Repository directory (default: current)")

	root.AddCommand(
		newRunCmd(cli),
		newStatusCmd(cli),
		newClearCmd(cli),
		newConfigCmd(cli),
		newVersionCmd(cli),
	)
	return root
}

// load resolves the repository root and its effective configuration.
// A missing github.repo falls back to the slug of the configured remote.
func (cli *app) load(ctx context.Context, overrides map[string]any) (string, config.Config, error) {
	root, err := repo.DiscoverRoot(cli.repoDir)
	if err != nil {
		return "", config.Config{}, err
	}
	cfg, err := config.Load(root, cli.source, overrides, cli.warn)
	if err != nil {
		return "", config.Config{}, err
	}
	if strings.TrimSpace(cfg.GitHub.Repo) == "" {
		if slug, err := repo.RemoteSlug(ctx, root, cfg.Worktrees.Remote); err == nil {
			cfg.GitHub.Repo = slug
		}
	}
	return root, cfg, nil
}

func (cli *app) warn(message string) {
	fmt.Fprintf(cli.stderr, "warning: %s\n", message)
}
