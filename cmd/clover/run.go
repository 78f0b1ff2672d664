package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cmtonkinson/clover/internal/audit"
	"github.com/cmtonkinson/clover/internal/config"
	"github.com/cmtonkinson/clover/internal/executor"
	"github.com/cmtonkinson/clover/internal/github"
	"github.com/cmtonkinson/clover/internal/logging"
	"github.com/cmtonkinson/clover/internal/runlock"
	"github.com/cmtonkinson/clover/internal/scheduler"
	"github.com/cmtonkinson/clover/internal/store"
	"github.com/cmtonkinson/clover/internal/templates"
	"github.com/cmtonkinson/clover/internal/worktree"
)

func newRunCmd(cli *app) *cobra.Command {
	var (
		once          bool
		interval      int
		maxConcurrent int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll GitHub and drive triggered work until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cli.runDaemon(ctx, once, config.Overrides(interval, maxConcurrent, ""))
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single tick and wait for its work to finish")
	cmd.Flags().IntVar(&interval, "interval", 0, "Polling interval in seconds")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Maximum work items running at once")
	return cmd
}

// runDaemon wires the collaborators and hands control to the scheduler.
func (cli *app) runDaemon(ctx context.Context, once bool, overrides map[string]any) error {
	root, cfg, err := cli.load(ctx, overrides)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Verbose: cli.verbose})
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	lock, err := runlock.Acquire(runlock.PathFor(cfg.State.Path))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release run lock", zap.Error(err))
		}
	}()
	if lock.Stale != nil {
		logger.Warn("previous daemon exited without releasing the run lock",
			zap.Int("pid", lock.Stale.PID),
			zap.Time("started_at", lock.Stale.StartedAt))
	}

	st, err := store.Open(cfg.State.Backend, cfg.State.Path, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close state store", zap.Error(err))
		}
	}()

	auditLog, err := audit.NewLogger(cfg.Logging.AuditPath, "", logger)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("run_id", auditLog.RunID()))
	if err := auditLog.LogDaemonStart(os.Getpid(), cfg.Concurrency.MaxConcurrent); err != nil {
		logger.Warn("write audit log", zap.Error(err))
	}

	client, err := github.NewClient(github.Options{
		Repo:          cfg.GitHub.Repo,
		Label:         cfg.GitHub.Label,
		MergeTrigger:  cfg.Merge.CommentTrigger,
		MergeStrategy: cfg.Merge.Strategy,
		Runner:        github.GHRunner{Binary: cfg.GitHub.Binary, Token: cfg.GitHub.Token},
		Retry:         github.RetryPolicy{MaxRetries: cfg.GitHub.MaxRetries},
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	worktrees, err := worktree.NewManager(worktree.Options{
		RepoRoot:    root,
		Root:        cfg.Worktrees.Root,
		Remote:      cfg.Worktrees.Remote,
		SetupScript: cfg.Worktrees.SetupScript,
		Logger:      logger,
		Audit:       auditLog,
	})
	if err != nil {
		return err
	}
	commands := executor.ProcessRunner{}
	actions := executor.New(executor.Options{
		Agent:    executor.ClaudeAgent{Binary: cfg.Agent.Binary, Runner: commands},
		Commands: commands,
		Commits:  worktrees,
		Logger:   logger,
		Audit:    auditLog,
	})

	settings := scheduler.SettingsFromConfig(cfg)
	if settings.ImplementSystemPrompt, err = templates.SystemPrompt(cfg.Agent.PromptsDir, templates.ImplementPrompt); err != nil {
		return err
	}
	if settings.ReviewSystemPrompt, err = templates.SystemPrompt(cfg.Agent.PromptsDir, templates.ReviewPrompt); err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{
		Store:     st,
		Watcher:   client,
		Resources: worktrees,
		Executor:  actions,
		Audit:     auditLog,
		Logger:    logger,
		Settings:  settings,
	})
	if err != nil {
		return err
	}

	logger.Info("clover started",
		zap.String("repo", cfg.GitHub.Repo),
		zap.String("root", root),
		zap.String("worktrees", worktrees.Root()),
		zap.Int("max_concurrent", settings.MaxConcurrent),
		zap.Duration("interval", settings.PollInterval),
		zap.Bool("once", once))
	if once {
		return sched.RunOnce(ctx)
	}
	err = sched.Run(ctx)
	logger.Info("clover stopped")
	return err
}
