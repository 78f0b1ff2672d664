// Package config defines the configuration model for the clover daemon.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config defines the full configuration surface for clover.
type Config struct {
	GitHub      GitHubConfig      `yaml:"github"`
	Polling     PollingConfig     `yaml:"polling"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Worktrees   WorktreesConfig   `yaml:"worktrees"`
	Agent       AgentConfig       `yaml:"agent"`
	Checks      ChecksConfig      `yaml:"checks"`
	Merge       MergeConfig       `yaml:"merge"`
	State       StateConfig       `yaml:"state"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// GitHubConfig identifies the repository and the labels clover reacts to.
type GitHubConfig struct {
	Repo          string `yaml:"repo"`
	Token         string `yaml:"token"`
	Binary        string `yaml:"binary"`
	Label         string `yaml:"label"`
	CompleteLabel string `yaml:"complete_label"`
	ReviewedLabel string `yaml:"reviewed_label"`
	MaxRetries    int    `yaml:"max_retries"`
}

// PollingConfig controls how often triggers are discovered.
type PollingConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// ConcurrencyConfig bounds how many items run at once.
type ConcurrencyConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// WorktreesConfig describes where worktrees live and how they are prepared.
type WorktreesConfig struct {
	// Root defaults to a sibling "<repo>-worktrees" directory when empty.
	Root        string `yaml:"root"`
	Remote      string `yaml:"remote"`
	SetupScript string `yaml:"setup_script"`
	// BaseBranch defaults to the remote's HEAD when empty.
	BaseBranch string `yaml:"base_branch"`
}

// AgentConfig configures the coding agent CLI.
type AgentConfig struct {
	Binary                  string   `yaml:"binary"`
	MaxTurns                int      `yaml:"max_turns"`
	ImplementTimeoutSeconds int      `yaml:"implement_timeout_seconds"`
	ReviewTimeoutSeconds    int      `yaml:"review_timeout_seconds"`
	ImplementTools          []string `yaml:"implement_tools"`
	ReviewTools             []string `yaml:"review_tools"`
	PromptsDir              string   `yaml:"prompts_dir"`
}

// ChecksConfig lists the shell commands run before reviews and merges.
type ChecksConfig struct {
	ReviewCommands        []string `yaml:"review_commands"`
	PreMergeCommands      []string `yaml:"pre_merge_commands"`
	CommandTimeoutSeconds int      `yaml:"command_timeout_seconds"`
}

// MergeConfig controls comment-triggered merges.
type MergeConfig struct {
	AutoMergeEnabled bool   `yaml:"auto_merge_enabled"`
	CommentTrigger   string `yaml:"comment_trigger"`
	Strategy         string `yaml:"strategy"`
	CIWaitSeconds    int    `yaml:"ci_wait_seconds"`
	CIPollSeconds    int    `yaml:"ci_poll_seconds"`
}

// StateConfig selects the state backend.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AuditPath string `yaml:"audit_path"`
}

// Merge strategies accepted by GitHub.
const (
	StrategySquash = "squash"
	StrategyMerge  = "merge"
	StrategyRebase = "rebase"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// PollInterval returns the polling interval as a duration.
func (cfg Config) PollInterval() time.Duration {
	return seconds(cfg.Polling.IntervalSeconds)
}

// Redacted returns a copy safe to print.
func (cfg Config) Redacted() Config {
	if cfg.GitHub.Token != "" {
		cfg.GitHub.Token = "***"
	}
	cfg.Agent.ImplementTools = cloneStrings(cfg.Agent.ImplementTools)
	cfg.Agent.ReviewTools = cloneStrings(cfg.Agent.ReviewTools)
	cfg.Checks.ReviewCommands = cloneStrings(cfg.Checks.ReviewCommands)
	cfg.Checks.PreMergeCommands = cloneStrings(cfg.Checks.PreMergeCommands)
	return cfg
}

// Validate reports settings the daemon cannot run without.
func (cfg Config) Validate() error {
	repo := strings.TrimSpace(cfg.GitHub.Repo)
	if repo == "" {
		return fmt.Errorf("github.repo is required (set GITHUB_REPO or github.repo in clover.yaml)")
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("github.repo %q must look like owner/repo", repo)
	}
	return nil
}

// seconds converts a whole number of seconds to a duration.
func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
