package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AgentRequest is one coding-agent invocation.
type AgentRequest struct {
	Dir          string
	Prompt       string
	SystemPrompt string
	MaxTurns     int
	Timeout      time.Duration
	AllowedTools []string
}

// AgentResult is what an agent reports back, already classified.
type AgentResult struct {
	Status    Status
	Text      string
	ExitCode  int
	Output    string
	Err       error
	CostUSD   float64
	SessionID string
	Duration  time.Duration
}

// Agent runs a coding agent inside a worktree.
type Agent interface {
	Invoke(ctx context.Context, req AgentRequest) AgentResult
}

// ClaudeAgent drives the claude CLI in non-interactive print mode.
type ClaudeAgent struct {
	Binary         string
	PermissionMode string
	Runner         CommandRunner
}

// claudeResult is the final JSON object printed by "claude -p --output-format json".
type claudeResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
	NumTurns     int     `json:"num_turns"`
}

const subtypeMaxTurns = "error_max_turns"

// Invoke runs claude and maps its JSON result onto the outcome set.
func (agent ClaudeAgent) Invoke(ctx context.Context, req AgentRequest) AgentResult {
	runner := agent.Runner
	if runner == nil {
		runner = ProcessRunner{}
	}
	argv := agent.Args(req)
	res := runner.Run(ctx, req.Dir, argv, req.Timeout)
	result := AgentResult{
		ExitCode: res.ExitCode,
		Output:   truncateTail(res.Output(), outputLimit),
		Duration: res.Duration,
	}
	if res.TimedOut {
		result.Status = StatusTimeout
		result.Err = res.Err
		return result
	}
	if res.Err != nil {
		result.Status = StatusCrashed
		result.Err = res.Err
		return result
	}

	parsed, parseErr := parseClaudeResult(res.Stdout)
	if parseErr == nil {
		result.CostUSD = parsed.TotalCostUSD
		result.SessionID = parsed.SessionID
		result.Text = parsed.Result
		if parsed.Subtype == subtypeMaxTurns {
			result.Status = StatusBudgetExceeded
			result.Err = fmt.Errorf("claude stopped after %d turns", parsed.NumTurns)
			return result
		}
	}
	if res.ExitCode != 0 {
		result.Status = StatusCrashed
		result.Err = fmt.Errorf("claude exited with code %d: %s", res.ExitCode, lastLine(res.Stderr))
		return result
	}
	if parseErr != nil {
		// Older CLIs print plain text; treat it as the result.
		result.Status = StatusSuccess
		result.Text = strings.TrimSpace(res.Stdout)
		return result
	}
	if parsed.IsError {
		result.Status = StatusCrashed
		result.Err = fmt.Errorf("claude reported %s: %s", parsed.Subtype, lastLine(parsed.Result))
		return result
	}
	result.Status = StatusSuccess
	return result
}

// Args builds the claude command line for a request.
func (agent ClaudeAgent) Args(req AgentRequest) []string {
	binary := agent.Binary
	if binary == "" {
		binary = "claude"
	}
	mode := agent.PermissionMode
	if mode == "" {
		mode = "acceptEdits"
	}
	argv := []string{binary, "-p", "--output-format", "json", "--permission-mode", mode}
	if req.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		argv = append(argv, "--append-system-prompt", req.SystemPrompt)
	}
	return append(argv, req.Prompt)
}

// parseClaudeResult decodes the result object, tolerating log lines printed before it.
func parseClaudeResult(stdout string) (claudeResult, error) {
	trimmed := strings.TrimSpace(stdout)
	var parsed claudeResult
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace([]byte(lines[i]))
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, &parsed); err == nil {
			return parsed, nil
		}
	}
	return claudeResult{}, errors.New("no JSON result in claude output")
}

// LoadPrompt reads an optional system prompt file from dir; a missing file yields "".
func LoadPrompt(dir string, name string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", nil
	}
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return text[idx+1:]
	}
	return text
}
