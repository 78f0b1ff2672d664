package config

import "strings"

const (
	defaultGitHubBinary         = "gh"
	defaultTriggerLabel         = "clover"
	defaultCompleteLabel        = "clover-complete"
	defaultReviewedLabel        = "clover-reviewed"
	defaultGitHubMaxRetries     = 3
	defaultPollIntervalSeconds  = 60
	defaultMaxConcurrent        = 2
	defaultRemote               = "origin"
	defaultAgentBinary          = "claude"
	defaultAgentMaxTurns        = 50
	defaultAgentTimeoutSeconds  = 1800
	defaultPromptsDir           = "prompts"
	defaultCommandTimeout       = 600
	defaultMergeCommentTrigger  = "/merge"
	defaultCIWaitSeconds        = 1800
	defaultCIPollSeconds        = 30
	defaultStateBackend         = "json"
	defaultStatePath            = ".clover/state.json"
	defaultLogLevel             = "info"
	defaultAuditPath            = ".clover/audit.log"
	backendSQLite               = "sqlite"
	minPollIntervalSeconds      = 5
	defaultCIPollFloorSeconds   = 1
	defaultMaxConcurrentCeiling = 32
)

// Defaults returns the documented configuration defaults.
//
// Defaults:
// - github.label: "clover"; complete/reviewed labels "clover-complete"/"clover-reviewed"
// - polling.interval_seconds: 60
// - concurrency.max_concurrent: 2
// - worktrees.remote: "origin"; root and base_branch are detected
// - agent.binary: "claude", max_turns 50, timeouts 1800s
// - checks.command_timeout_seconds: 600
// - merge.auto_merge_enabled: true, comment_trigger "/merge", strategy "squash"
// - state.backend: "json" at .clover/state.json
// - logging.level: "info", format "console"
func Defaults() Config {
	return Config{
		GitHub: GitHubConfig{
			Binary:        defaultGitHubBinary,
			Label:         defaultTriggerLabel,
			CompleteLabel: defaultCompleteLabel,
			ReviewedLabel: defaultReviewedLabel,
			MaxRetries:    defaultGitHubMaxRetries,
		},
		Polling: PollingConfig{
			IntervalSeconds: defaultPollIntervalSeconds,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrent: defaultMaxConcurrent,
		},
		Worktrees: WorktreesConfig{
			Remote: defaultRemote,
		},
		Agent: AgentConfig{
			Binary:                  defaultAgentBinary,
			MaxTurns:                defaultAgentMaxTurns,
			ImplementTimeoutSeconds: defaultAgentTimeoutSeconds,
			ReviewTimeoutSeconds:    defaultAgentTimeoutSeconds,
			ImplementTools:          []string{"Read", "Edit", "Write", "Glob", "Grep", "Bash(git:*)"},
			ReviewTools:             []string{"Read", "Glob", "Grep"},
			PromptsDir:              defaultPromptsDir,
		},
		Checks: ChecksConfig{
			CommandTimeoutSeconds: defaultCommandTimeout,
		},
		Merge: MergeConfig{
			AutoMergeEnabled: true,
			CommentTrigger:   defaultMergeCommentTrigger,
			Strategy:         StrategySquash,
			CIWaitSeconds:    defaultCIWaitSeconds,
			CIPollSeconds:    defaultCIPollSeconds,
		},
		State: StateConfig{
			Backend: defaultStateBackend,
			Path:    defaultStatePath,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			Format:    FormatConsole,
			AuditPath: defaultAuditPath,
		},
	}
}

// ApplyDefaults fills missing or invalid values with documented defaults.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	cfg.GitHub.Repo = strings.TrimSpace(cfg.GitHub.Repo)
	cfg.GitHub.Binary = normalizeString(cfg.GitHub.Binary, defaults.GitHub.Binary)
	cfg.GitHub.Label = normalizeLabel(cfg.GitHub.Label, defaults.GitHub.Label, "github.label", warn)
	cfg.GitHub.CompleteLabel = normalizeLabel(cfg.GitHub.CompleteLabel, defaults.GitHub.CompleteLabel, "github.complete_label", warn)
	cfg.GitHub.ReviewedLabel = normalizeLabel(cfg.GitHub.ReviewedLabel, defaults.GitHub.ReviewedLabel, "github.reviewed_label", warn)
	if cfg.GitHub.MaxRetries < 0 {
		emitWarning(warn, "invalid github.max_retries; using default")
		cfg.GitHub.MaxRetries = defaults.GitHub.MaxRetries
	}

	cfg.Polling.IntervalSeconds = normalizePositiveInt(
		cfg.Polling.IntervalSeconds,
		defaults.Polling.IntervalSeconds,
		"polling.interval_seconds",
		warn,
	)
	if cfg.Polling.IntervalSeconds < minPollIntervalSeconds {
		emitWarning(warn, "polling.interval_seconds below 5; clamping to avoid rate limits")
		cfg.Polling.IntervalSeconds = minPollIntervalSeconds
	}
	cfg.Concurrency.MaxConcurrent = normalizePositiveInt(
		cfg.Concurrency.MaxConcurrent,
		defaults.Concurrency.MaxConcurrent,
		"concurrency.max_concurrent",
		warn,
	)
	if cfg.Concurrency.MaxConcurrent > defaultMaxConcurrentCeiling {
		emitWarning(warn, "concurrency.max_concurrent above 32; clamping")
		cfg.Concurrency.MaxConcurrent = defaultMaxConcurrentCeiling
	}

	cfg.Worktrees.Root = strings.TrimSpace(cfg.Worktrees.Root)
	cfg.Worktrees.Remote = normalizeString(cfg.Worktrees.Remote, defaults.Worktrees.Remote)
	cfg.Worktrees.SetupScript = strings.TrimSpace(cfg.Worktrees.SetupScript)
	cfg.Worktrees.BaseBranch = strings.TrimSpace(cfg.Worktrees.BaseBranch)

	cfg.Agent.Binary = normalizeString(cfg.Agent.Binary, defaults.Agent.Binary)
	cfg.Agent.MaxTurns = normalizePositiveInt(cfg.Agent.MaxTurns, defaults.Agent.MaxTurns, "agent.max_turns", warn)
	cfg.Agent.ImplementTimeoutSeconds = normalizePositiveInt(
		cfg.Agent.ImplementTimeoutSeconds,
		defaults.Agent.ImplementTimeoutSeconds,
		"agent.implement_timeout_seconds",
		warn,
	)
	cfg.Agent.ReviewTimeoutSeconds = normalizePositiveInt(
		cfg.Agent.ReviewTimeoutSeconds,
		defaults.Agent.ReviewTimeoutSeconds,
		"agent.review_timeout_seconds",
		warn,
	)
	cfg.Agent.ImplementTools = normalizeList(cfg.Agent.ImplementTools)
	cfg.Agent.ReviewTools = normalizeList(cfg.Agent.ReviewTools)
	cfg.Agent.PromptsDir = normalizeString(cfg.Agent.PromptsDir, defaults.Agent.PromptsDir)

	cfg.Checks.ReviewCommands = normalizeList(cfg.Checks.ReviewCommands)
	cfg.Checks.PreMergeCommands = normalizeList(cfg.Checks.PreMergeCommands)
	cfg.Checks.CommandTimeoutSeconds = normalizePositiveInt(
		cfg.Checks.CommandTimeoutSeconds,
		defaults.Checks.CommandTimeoutSeconds,
		"checks.command_timeout_seconds",
		warn,
	)

	cfg.Merge.CommentTrigger = strings.TrimSpace(cfg.Merge.CommentTrigger)
	if cfg.Merge.AutoMergeEnabled && cfg.Merge.CommentTrigger == "" {
		emitWarning(warn, "merge.comment_trigger is empty; using "+defaults.Merge.CommentTrigger)
		cfg.Merge.CommentTrigger = defaults.Merge.CommentTrigger
	}
	cfg.Merge.Strategy = normalizeStrategy(cfg.Merge.Strategy, defaults.Merge.Strategy, warn)
	if cfg.Merge.CIWaitSeconds < 0 {
		emitWarning(warn, "invalid merge.ci_wait_seconds; using default")
		cfg.Merge.CIWaitSeconds = defaults.Merge.CIWaitSeconds
	}
	if cfg.Merge.CIPollSeconds < defaultCIPollFloorSeconds {
		emitWarning(warn, "invalid merge.ci_poll_seconds; using default")
		cfg.Merge.CIPollSeconds = defaults.Merge.CIPollSeconds
	}

	switch strings.ToLower(strings.TrimSpace(cfg.State.Backend)) {
	case "", defaultStateBackend:
		cfg.State.Backend = defaultStateBackend
	case backendSQLite:
		cfg.State.Backend = backendSQLite
	default:
		emitWarning(warn, "unknown state.backend "+cfg.State.Backend+"; using json")
		cfg.State.Backend = defaultStateBackend
	}
	cfg.State.Path = normalizeString(cfg.State.Path, defaults.State.Path)

	cfg.Logging.Level = normalizeLevel(cfg.Logging.Level, defaults.Logging.Level, warn)
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case FormatJSON:
		cfg.Logging.Format = FormatJSON
	case "", FormatConsole:
		cfg.Logging.Format = FormatConsole
	default:
		emitWarning(warn, "unknown logging.format "+cfg.Logging.Format+"; using console")
		cfg.Logging.Format = FormatConsole
	}
	cfg.Logging.AuditPath = normalizeString(cfg.Logging.AuditPath, defaults.Logging.AuditPath)
	return cfg
}

// normalizePositiveInt defaults invalid values.
func normalizePositiveInt(value int, fallback int, key string, warn func(string)) int {
	if value <= 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// normalizeString trims and falls back silently when empty.
func normalizeString(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

// normalizeLabel rejects labels GitHub would refuse.
func normalizeLabel(value string, fallback string, key string, warn func(string)) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.Contains(trimmed, ",") {
		if trimmed != "" {
			emitWarning(warn, "invalid "+key+"; using default label")
		}
		return fallback
	}
	return trimmed
}

// normalizeStrategy accepts the merge methods GitHub supports.
func normalizeStrategy(value string, fallback string, warn func(string)) string {
	switch trimmed := strings.ToLower(strings.TrimSpace(value)); trimmed {
	case StrategySquash, StrategyMerge, StrategyRebase:
		return trimmed
	case "":
		return fallback
	default:
		emitWarning(warn, "unknown merge.strategy "+value+"; using "+fallback)
		return fallback
	}
}

// normalizeLevel accepts zap level names.
func normalizeLevel(value string, fallback string, warn func(string)) string {
	switch trimmed := strings.ToLower(strings.TrimSpace(value)); trimmed {
	case "debug", "info", "warn", "error":
		return trimmed
	case "warning":
		return "warn"
	case "":
		return fallback
	default:
		emitWarning(warn, "unknown logging.level "+value+"; using "+fallback)
		return fallback
	}
}

// normalizeList trims entries and drops blanks.
func normalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}

// cloneStrings copies a string slice to avoid shared references.
func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

// emitWarning forwards warnings to the provided sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
