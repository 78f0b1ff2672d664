package scheduler

import (
	"time"

	"github.com/cmtonkinson/clover/internal/config"
)

// Settings are the scheduler's knobs, already normalized.
type Settings struct {
	MaxConcurrent int
	PollInterval  time.Duration
	// BaseBranch is detected from the remote when empty.
	BaseBranch string

	TriggerLabel  string
	CompleteLabel string
	ReviewedLabel string

	MergeEnabled  bool
	MergeStrategy string
	CIWait        time.Duration
	CIPoll        time.Duration

	MaxTurns              int
	ImplementTimeout      time.Duration
	ReviewTimeout         time.Duration
	ImplementTools        []string
	ReviewTools           []string
	ImplementSystemPrompt string
	ReviewSystemPrompt    string

	ReviewCommands   []string
	PreMergeCommands []string
	CommandTimeout   time.Duration
}

// SettingsFromConfig builds settings from the supplied config, applying defaults as needed.
func SettingsFromConfig(cfg config.Config) Settings {
	cfg = config.ApplyDefaults(cfg, nil)
	return Settings{
		MaxConcurrent:    cfg.Concurrency.MaxConcurrent,
		PollInterval:     cfg.PollInterval(),
		BaseBranch:       cfg.Worktrees.BaseBranch,
		TriggerLabel:     cfg.GitHub.Label,
		CompleteLabel:    cfg.GitHub.CompleteLabel,
		ReviewedLabel:    cfg.GitHub.ReviewedLabel,
		MergeEnabled:     cfg.Merge.AutoMergeEnabled,
		MergeStrategy:    cfg.Merge.Strategy,
		CIWait:           time.Duration(cfg.Merge.CIWaitSeconds) * time.Second,
		CIPoll:           time.Duration(cfg.Merge.CIPollSeconds) * time.Second,
		MaxTurns:         cfg.Agent.MaxTurns,
		ImplementTimeout: time.Duration(cfg.Agent.ImplementTimeoutSeconds) * time.Second,
		ReviewTimeout:    time.Duration(cfg.Agent.ReviewTimeoutSeconds) * time.Second,
		ImplementTools:   append([]string(nil), cfg.Agent.ImplementTools...),
		ReviewTools:      append([]string(nil), cfg.Agent.ReviewTools...),
		ReviewCommands:   append([]string(nil), cfg.Checks.ReviewCommands...),
		PreMergeCommands: append([]string(nil), cfg.Checks.PreMergeCommands...),
		CommandTimeout:   time.Duration(cfg.Checks.CommandTimeoutSeconds) * time.Second,
	}
}

// normalized fills zero values so a hand-built Settings is usable.
func (settings Settings) normalized() Settings {
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = time.Minute
	}
	if settings.TriggerLabel == "" {
		settings.TriggerLabel = "clover"
	}
	if settings.CompleteLabel == "" {
		settings.CompleteLabel = "clover-complete"
	}
	if settings.ReviewedLabel == "" {
		settings.ReviewedLabel = "clover-reviewed"
	}
	if settings.MergeStrategy == "" {
		settings.MergeStrategy = config.StrategySquash
	}
	if settings.CIPoll <= 0 {
		settings.CIPoll = 30 * time.Second
	}
	return settings
}
