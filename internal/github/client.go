package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// CollaboratorError reports a failed GitHub call after the adapter's own retries.
type CollaboratorError struct {
	Op     string
	Status int
	// Transient marks rate limits, server errors and network failures.
	Transient bool
	Attempts  int
	Err       error
}

// Error implements error.
func (collabErr *CollaboratorError) Error() string {
	if collabErr.Status > 0 {
		return fmt.Sprintf("github %s: HTTP %d after %d attempt(s): %v", collabErr.Op, collabErr.Status, collabErr.Attempts, collabErr.Err)
	}
	return fmt.Sprintf("github %s after %d attempt(s): %v", collabErr.Op, collabErr.Attempts, collabErr.Err)
}

// Unwrap exposes the underlying cause.
func (collabErr *CollaboratorError) Unwrap() error {
	return collabErr.Err
}

// IsTransient reports whether err is a CollaboratorError that may succeed later.
func IsTransient(err error) bool {
	var collabErr *CollaboratorError
	return errors.As(err, &collabErr) && collabErr.Transient
}

// IsNotFound reports whether err is a 404 from GitHub.
func IsNotFound(err error) bool {
	var collabErr *CollaboratorError
	return errors.As(err, &collabErr) && collabErr.Status == 404
}

// Runner executes the gh binary.
type Runner interface {
	Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error)
}

// CommandError carries gh's stderr for classification.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements error.
func (cmdErr *CommandError) Error() string {
	return fmt.Sprintf("gh %s: %v: %s", strings.Join(cmdErr.Args, " "), cmdErr.Err, strings.TrimSpace(cmdErr.Stderr))
}

// Unwrap exposes the process error.
func (cmdErr *CommandError) Unwrap() error {
	return cmdErr.Err
}

// GHRunner runs the real gh binary with an optional token and per-call timeout.
type GHRunner struct {
	Binary  string
	Token   string
	Timeout time.Duration
}

// Run executes gh with args, feeding stdin when provided.
func (runner GHRunner) Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	binary := runner.Binary
	if binary == "" {
		binary = "gh"
	}
	timeout := runner.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = os.Environ()
	if runner.Token != "" {
		cmd.Env = append(cmd.Env, "GH_TOKEN="+runner.Token)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &CommandError{Args: args, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// DefaultRetryPolicy retries three times, doubling from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

// RetryPolicy bounds the adapter's exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// delay returns the wait before retry number attempt (starting at 1).
func (policy RetryPolicy) delay(attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if delay > policy.MaxDelay {
		return policy.MaxDelay
	}
	return delay
}

// Options configures a Client.
type Options struct {
	Repo          string
	Label         string
	MergeTrigger  string
	MergeStrategy string
	Runner        Runner
	Retry         RetryPolicy
	Logger        *zap.Logger
}

// Client is the Watcher implementation backed by "gh api".
type Client struct {
	repo          string
	label         string
	mergeTrigger  string
	mergeStrategy string
	gh            Runner
	retry         RetryPolicy
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client for an "owner/repo" slug.
func NewClient(opts Options) (*Client, error) {
	owner, name, ok := strings.Cut(opts.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("repository %q must look like owner/repo", opts.Repo)
	}
	if strings.TrimSpace(opts.Label) == "" {
		return nil, errors.New("trigger label is required")
	}
	runner := opts.Runner
	if runner == nil {
		runner = GHRunner{}
	}
	retry := opts.Retry
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = defaultBaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaultMaxDelay
	}
	strategy := opts.MergeStrategy
	if strategy == "" {
		strategy = "squash"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		repo:          opts.Repo,
		label:         opts.Label,
		mergeTrigger:  strings.TrimSpace(opts.MergeTrigger),
		mergeStrategy: strategy,
		gh:            runner,
		retry:         retry,
		logger:        logger.Named("github"),
		sleep:         sleepContext,
	}, nil
}

var httpStatusPattern = regexp.MustCompile(`HTTP (\d{3})`)

// api performs one REST call with retries, decoding the response into out when non-nil.
func (client *Client) api(ctx context.Context, op string, method string, path string, body any, out any) error {
	args := []string{"api", "--method", method, "-H", "Accept: application/vnd.github+json", path}
	var stdin []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &CollaboratorError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		stdin = encoded
		args = append(args, "--input", "-")
	}
	output, attempts, err := client.call(ctx, op, stdin, args)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(output)) == 0 {
		return nil
	}
	if err := json.Unmarshal(output, out); err != nil {
		return &CollaboratorError{Op: op, Attempts: attempts, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// list performs a GET over every page of a list endpoint and appends the elements to out.
func list[T any](ctx context.Context, client *Client, op string, path string, out *[]T) error {
	args := []string{"api", "--paginate", "--method", "GET", "-H", "Accept: application/vnd.github+json", path}
	output, attempts, err := client.call(ctx, op, nil, args)
	if err != nil {
		return err
	}
	// --paginate prints one JSON array per page back to back.
	decoder := json.NewDecoder(bytes.NewReader(output))
	for decoder.More() {
		var page []T
		if err := decoder.Decode(&page); err != nil {
			return &CollaboratorError{Op: op, Attempts: attempts, Err: fmt.Errorf("decode response: %w", err)}
		}
		*out = append(*out, page...)
	}
	return nil
}

// call runs gh with retries on transient failures and returns its output and the attempts made.
func (client *Client) call(ctx context.Context, op string, stdin []byte, args []string) ([]byte, int, error) {
	attempts := 0
	for {
		attempts++
		output, err := client.gh.Run(ctx, stdin, args...)
		if err == nil {
			return output, attempts, nil
		}
		status, transient := classify(err)
		if ctx.Err() != nil {
			return nil, attempts, &CollaboratorError{Op: op, Status: status, Transient: true, Attempts: attempts, Err: ctx.Err()}
		}
		if !transient || attempts > client.retry.MaxRetries {
			return nil, attempts, &CollaboratorError{Op: op, Status: status, Transient: transient, Attempts: attempts, Err: err}
		}
		delay := client.retry.delay(attempts)
		client.logger.Warn("github call failed; retrying",
			zap.String("op", op),
			zap.Int("status", status),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := client.sleep(ctx, delay); err != nil {
			return nil, attempts, &CollaboratorError{Op: op, Status: status, Transient: true, Attempts: attempts, Err: err}
		}
	}
}

// classify extracts the HTTP status from gh's stderr and decides whether a retry can help.
func classify(err error) (int, bool) {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return 0, true
	}
	status := 0
	if match := httpStatusPattern.FindStringSubmatch(cmdErr.Stderr); match != nil {
		status, _ = strconv.Atoi(match[1])
	}
	lower := strings.ToLower(cmdErr.Stderr)
	switch {
	case status == 0:
		return 0, true
	case status == 429, status >= 500:
		return status, true
	case status == 403 && strings.Contains(lower, "rate limit"):
		return status, true
	default:
		return status, false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
