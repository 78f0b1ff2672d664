// Package audit provides the append-only audit trail for clover daemon runs.
package audit

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	// auditLogFileMode defines the permissions for the audit log file.
	auditLogFileMode = 0o644
	// auditLogDirMode defines the permissions for the audit log directory.
	auditLogDirMode = 0o755
)

const (
	// EventWorktreeCreate records worktree creation.
	EventWorktreeCreate = "worktree.create"
	// EventWorktreeDelete records worktree deletion.
	EventWorktreeDelete = "worktree.delete"
	// EventWorktreeOrphan records removal of an unreferenced worktree at startup.
	EventWorktreeOrphan = "worktree.orphan"
	// EventItemTransition records work item lifecycle transitions.
	EventItemTransition = "item.transition"
	// EventAgentInvoke records agent invocation.
	EventAgentInvoke = "agent.invoke"
	// EventAgentOutcome records agent completion.
	EventAgentOutcome = "agent.outcome"
	// EventCommandTimeout records a check command killed on timeout.
	EventCommandTimeout = "command.timeout"
	// EventDaemonStart records daemon startup.
	EventDaemonStart = "daemon.start"
)

// Logger appends audit entries to a log file.
type Logger struct {
	path   string
	runID  string
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// Field represents a logfmt key/value pair.
type Field struct {
	Key   string
	Value string
}

// Entry captures the required audit log fields and any optional fields.
type Entry struct {
	Item   string
	Event  string
	Fields []Field
}

// NewRunID returns a sortable identifier for one daemon run.
func NewRunID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewLogger builds an audit logger writing to path, stamping entries with runID.
func NewLogger(path string, runID string, logger *zap.Logger) (*Logger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit log path is required")
	}
	if runID == "" {
		runID = NewRunID()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		path:   path,
		runID:  runID,
		logger: logger.Named("audit"),
		now:    time.Now,
	}, nil
}

// RunID returns the identifier stamped on every entry.
func (logger *Logger) RunID() string {
	return logger.runID
}

// Log writes a generic audit entry to the log file.
func (logger *Logger) Log(entry Entry) error {
	if logger == nil {
		return errors.New("audit logger is nil")
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()

	line, err := logger.formatEntry(entry)
	if err != nil {
		logger.logger.Warn("audit log entry rejected", zap.Error(err))
		return err
	}
	if err := logger.appendLine(line); err != nil {
		logger.logger.Warn("audit log write failed", zap.String("path", logger.path), zap.Error(err))
		return err
	}
	return nil
}

// LogDaemonStart records a daemon run beginning.
func (logger *Logger) LogDaemonStart(pid int, maxConcurrent int) error {
	return logger.Log(Entry{
		Item:  "daemon",
		Event: EventDaemonStart,
		Fields: []Field{
			{Key: "pid", Value: strconv.Itoa(pid)},
			{Key: "max_concurrent", Value: strconv.Itoa(maxConcurrent)},
		},
	})
}

// LogWorktreeCreate records a worktree creation event.
func (logger *Logger) LogWorktreeCreate(item string, path string, branch string) error {
	return logger.Log(Entry{
		Item:  item,
		Event: EventWorktreeCreate,
		Fields: []Field{
			{Key: "path", Value: path},
			{Key: "branch", Value: branch},
		},
	})
}

// LogWorktreeDelete records a worktree deletion event.
func (logger *Logger) LogWorktreeDelete(item string, path string, branch string) error {
	if item == "" {
		item = "unknown"
	}
	return logger.Log(Entry{
		Item:  item,
		Event: EventWorktreeDelete,
		Fields: []Field{
			{Key: "path", Value: path},
			{Key: "branch", Value: branch},
		},
	})
}

// LogWorktreeOrphan records an orphaned worktree found during recovery.
func (logger *Logger) LogWorktreeOrphan(path string) error {
	return logger.Log(Entry{
		Item:   "daemon",
		Event:  EventWorktreeOrphan,
		Fields: []Field{{Key: "path", Value: path}},
	})
}

// LogItemTransition records a work item lifecycle transition.
func (logger *Logger) LogItemTransition(item string, from string, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("item transition requires from and to statuses")
	}
	return logger.Log(Entry{
		Item:  item,
		Event: EventItemTransition,
		Fields: []Field{
			{Key: "from", Value: from},
			{Key: "to", Value: to},
		},
	})
}

// LogAgentInvoke records an agent invocation event.
func (logger *Logger) LogAgentInvoke(item string, action string, attempt int) error {
	return logger.Log(Entry{
		Item:  item,
		Event: EventAgentInvoke,
		Fields: []Field{
			{Key: "action", Value: action},
			{Key: "attempt", Value: strconv.Itoa(attempt)},
		},
	})
}

// LogAgentOutcome records an action outcome event.
func (logger *Logger) LogAgentOutcome(item string, action string, status string, exitCode int) error {
	return logger.Log(Entry{
		Item:  item,
		Event: EventAgentOutcome,
		Fields: []Field{
			{Key: "action", Value: action},
			{Key: "status", Value: status},
			{Key: "exit_code", Value: strconv.Itoa(exitCode)},
		},
	})
}

// LogCommandTimeout records a command killed on timeout.
func (logger *Logger) LogCommandTimeout(item string, command string, timeout time.Duration, worktreePath string) error {
	return logger.Log(Entry{
		Item:  item,
		Event: EventCommandTimeout,
		Fields: []Field{
			{Key: "command", Value: command},
			{Key: "timeout_seconds", Value: strconv.Itoa(int(timeout / time.Second))},
			{Key: "worktree_path", Value: worktreePath},
		},
	})
}

// formatEntry renders an audit entry in logfmt-style order.
func (logger *Logger) formatEntry(entry Entry) (string, error) {
	if entry.Item == "" {
		return "", errors.New("item is required")
	}
	if entry.Event == "" {
		return "", errors.New("event is required")
	}
	now := logger.now
	if now == nil {
		now = time.Now
	}

	ts := now().UTC().Format(time.RFC3339)
	fields := []string{
		formatField("ts", ts),
		formatField("run_id", logger.runID),
		formatField("item", entry.Item),
		formatField("event", entry.Event),
	}

	for _, field := range entry.Fields {
		if field.Value == "" {
			continue
		}
		if field.Key == "" {
			return "", errors.New("field key is required")
		}
		fields = append(fields, formatField(field.Key, field.Value))
	}
	return strings.Join(fields, " "), nil
}

// formatField encodes a logfmt key/value pair.
func formatField(key string, value string) string {
	encoded := sanitizeValue(value)
	if needsQuoting(encoded) {
		return fmt.Sprintf(`%s="%s"`, key, escapeLogfmt(encoded))
	}
	return fmt.Sprintf("%s=%s", key, encoded)
}

// sanitizeValue ensures values stay single-line.
func sanitizeValue(value string) string {
	value = strings.ReplaceAll(value, "\n", `\n`)
	return strings.ReplaceAll(value, "\r", `\r`)
}

// needsQuoting reports whether the value needs logfmt quoting.
func needsQuoting(value string) bool {
	if value == "" {
		return true
	}
	return strings.ContainsAny(value, " \t\n=\"")
}

// escapeLogfmt escapes characters that must be quoted in logfmt values.
func escapeLogfmt(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

// appendLine writes the log entry to the audit log file.
func (logger *Logger) appendLine(line string) error {
	if err := os.MkdirAll(filepath.Dir(logger.path), auditLogDirMode); err != nil {
		return fmt.Errorf("create audit log directory %s: %w", filepath.Dir(logger.path), err)
	}
	file, err := os.OpenFile(logger.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", logger.path, err)
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audit log %s: %w", logger.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit log %s: %w", logger.path, err)
	}
	return nil
}
