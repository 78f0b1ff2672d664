package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDirName  = ".config"
	userConfigFileName = "config.yaml"
	// RepoConfigFileName is the per-repository config file at the repo root.
	RepoConfigFileName = "clover.yaml"
	envFileName        = ".env"
)

// envKind describes how an environment value is converted before merging.
type envKind int

const (
	envString envKind = iota
	envInt
	envBool
	envList
)

// envBinding maps one environment variable onto a config path.
type envBinding struct {
	name string
	path []string
	kind envKind
}

// envBindings lists every environment variable clover understands.
var envBindings = []envBinding{
	{name: "GITHUB_REPO", path: []string{"github", "repo"}, kind: envString},
	{name: "GITHUB_TOKEN", path: []string{"github", "token"}, kind: envString},
	{name: "CLOVER_LABEL", path: []string{"github", "label"}, kind: envString},
	{name: "POLL_INTERVAL", path: []string{"polling", "interval_seconds"}, kind: envInt},
	{name: "MAX_CONCURRENT", path: []string{"concurrency", "max_concurrent"}, kind: envInt},
	{name: "WORKTREE_ROOT", path: []string{"worktrees", "root"}, kind: envString},
	{name: "SETUP_SCRIPT", path: []string{"worktrees", "setup_script"}, kind: envString},
	{name: "BASE_BRANCH", path: []string{"worktrees", "base_branch"}, kind: envString},
	{name: "CLAUDE_BINARY", path: []string{"agent", "binary"}, kind: envString},
	{name: "MAX_TURNS", path: []string{"agent", "max_turns"}, kind: envInt},
	{name: "IMPLEMENT_TIMEOUT", path: []string{"agent", "implement_timeout_seconds"}, kind: envInt},
	{name: "REVIEW_TIMEOUT", path: []string{"agent", "review_timeout_seconds"}, kind: envInt},
	{name: "REVIEW_COMMANDS", path: []string{"checks", "review_commands"}, kind: envList},
	{name: "PRE_MERGE_COMMANDS", path: []string{"checks", "pre_merge_commands"}, kind: envList},
	{name: "AUTO_MERGE_ENABLED", path: []string{"merge", "auto_merge_enabled"}, kind: envBool},
	{name: "MERGE_COMMENT_TRIGGER", path: []string{"merge", "comment_trigger"}, kind: envString},
	{name: "CLOVER_STATE_BACKEND", path: []string{"state", "backend"}, kind: envString},
	{name: "CLOVER_STATE_PATH", path: []string{"state", "path"}, kind: envString},
	{name: "CLOVER_LOG_LEVEL", path: []string{"logging", "level"}, kind: envString},
	{name: "CLOVER_LOG_FORMAT", path: []string{"logging", "format"}, kind: envString},
}

// Source supplies the environment; tests replace it.
type Source struct {
	HomeDir string
	Getenv  func(string) string
}

// DefaultSource reads the real home directory and environment.
func DefaultSource() Source {
	home, _ := os.UserHomeDir()
	return Source{HomeDir: home, Getenv: os.Getenv}
}

// Load resolves configuration from defaults, the user file, the repo file, .env, the environment and CLI overrides.
// Later layers win. State and audit paths are resolved against repoRoot.
func Load(repoRoot string, source Source, cliOverrides map[string]any, warn func(string)) (Config, error) {
	merged := map[string]any{}
	var err error

	if source.HomeDir != "" {
		userPath := filepath.Join(source.HomeDir, userConfigDirName, "clover", userConfigFileName)
		merged, err = mergeConfigLayer(merged, userPath, "user defaults")
		if err != nil {
			return Config{}, err
		}
	}

	if repoRoot != "" {
		merged, err = mergeConfigLayer(merged, filepath.Join(repoRoot, RepoConfigFileName), "repo")
		if err != nil {
			return Config{}, err
		}
	}

	dotenv := map[string]string{}
	if repoRoot != "" {
		dotenv, err = readEnvFile(filepath.Join(repoRoot, envFileName))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}
	envLayer, err := environmentLayer(dotenv, source.Getenv)
	if err != nil {
		return Config{}, err
	}
	merged = mergeConfigMaps(merged, envLayer)

	if cliOverrides != nil {
		merged = mergeConfigMaps(merged, cliOverrides)
	}

	cfg, err := decodeConfig(merged)
	if err != nil {
		return Config{}, err
	}
	cfg = ApplyDefaults(cfg, warn)
	if repoRoot != "" {
		cfg.State.Path = resolvePath(repoRoot, cfg.State.Path)
		cfg.Logging.AuditPath = resolvePath(repoRoot, cfg.Logging.AuditPath)
		cfg.Agent.PromptsDir = resolvePath(repoRoot, cfg.Agent.PromptsDir)
		if cfg.Worktrees.Root != "" {
			cfg.Worktrees.Root = resolvePath(repoRoot, cfg.Worktrees.Root)
		}
		if cfg.Worktrees.SetupScript != "" {
			cfg.Worktrees.SetupScript = resolvePath(repoRoot, cfg.Worktrees.SetupScript)
		}
	}
	return cfg, nil
}

// mergeConfigLayer reads a config file and merges it into the base map.
func mergeConfigLayer(base map[string]any, path string, label string) (map[string]any, error) {
	layer, err := readConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("load %s config %s: %w", label, path, err)
	}
	return mergeConfigMaps(base, layer), nil
}

// readConfigFile parses a YAML mapping from the given path.
func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var layer map[string]any
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, err
	}
	if layer == nil {
		return map[string]any{}, nil
	}
	return layer, nil
}

// mergeConfigMaps overlays override onto base and returns a merged map.
func mergeConfigMaps(base map[string]any, override map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	merged := cloneConfigMap(base)
	for key, value := range override {
		overrideMap, ok := value.(map[string]any)
		if !ok {
			merged[key] = value
			continue
		}
		if baseMap, ok := merged[key].(map[string]any); ok {
			merged[key] = mergeConfigMaps(baseMap, overrideMap)
			continue
		}
		merged[key] = cloneConfigMap(overrideMap)
	}
	return merged
}

// cloneConfigMap copies a map recursively to prevent aliasing.
func cloneConfigMap(values map[string]any) map[string]any {
	clone := make(map[string]any, len(values))
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			clone[key] = cloneConfigMap(nested)
			continue
		}
		clone[key] = value
	}
	return clone
}

// decodeConfig overlays the merged map onto the defaults so absent keys keep their default.
func decodeConfig(raw map[string]any) (Config, error) {
	cfg := Defaults()
	if len(raw) == 0 {
		return cfg, nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("encode merged config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// environmentLayer converts bound variables into a config map; the process environment beats .env.
func environmentLayer(dotenv map[string]string, getenv func(string) string) (map[string]any, error) {
	layer := map[string]any{}
	for _, binding := range envBindings {
		raw := ""
		if getenv != nil {
			raw = getenv(binding.name)
		}
		if raw == "" {
			raw = dotenv[binding.name]
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		value, err := convertEnv(binding, raw)
		if err != nil {
			return nil, err
		}
		setPath(layer, binding.path, value)
	}
	return layer, nil
}

// convertEnv parses a raw environment value according to its binding.
func convertEnv(binding envBinding, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch binding.kind {
	case envInt:
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer, got %q", binding.name, raw)
		}
		return value, nil
	case envBool:
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false, got %q", binding.name, raw)
		}
		return value, nil
	case envList:
		parts := strings.Split(raw, ";")
		values := make([]any, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
		return values, nil
	default:
		return raw, nil
	}
}

// setPath writes value into nested maps, creating them as needed.
func setPath(root map[string]any, path []string, value any) {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

// readEnvFile parses KEY=VALUE lines, ignoring comments and an optional "export " prefix.
func readEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return map[string]string{}, err
	}
	defer file.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNumber)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}

// unquote strips one layer of matching quotes.
func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' || first == '\'') && first == last {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// resolvePath anchors relative paths at the repository root.
func resolvePath(repoRoot string, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repoRoot, path)
}

// Overrides builds a CLI override map from flag values; zero values are skipped.
func Overrides(intervalSeconds int, maxConcurrent int, logLevel string) map[string]any {
	overrides := map[string]any{}
	if intervalSeconds > 0 {
		setPath(overrides, []string{"polling", "interval_seconds"}, intervalSeconds)
	}
	if maxConcurrent > 0 {
		setPath(overrides, []string{"concurrency", "max_concurrent"}, maxConcurrent)
	}
	if logLevel != "" {
		setPath(overrides, []string{"logging", "level"}, logLevel)
	}
	return overrides
}
