// Package status renders the persisted work items for operators.
package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cmtonkinson/clover/internal/format"
	"github.com/cmtonkinson/clover/internal/runlock"
	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/store"
)

const (
	keyColumnWidth     = 22
	statusColumnWidth  = 12
	attemptColumnWidth = 4
	ageColumnWidth     = 12
	titleMaxWidth      = 48
	detailMaxWidth     = 72
	// RecentCompleted bounds the completed section.
	RecentCompleted = 10
)

var (
	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	daemonStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// Row is one work item as shown to operators.
type Row struct {
	Key      string
	Status   state.Status
	Title    string
	Attempts int
	Updated  time.Time
	Detail   string
}

// Summary groups items the way operators read them.
type Summary struct {
	Now    time.Time
	Daemon *runlock.Info

	InProgress []Row
	Pending    []Row
	Failed     []Row
	Completed  []Row
	// CompletedTotal counts every completed item, not just the rows shown.
	CompletedTotal int
	CostUSD        float64
}

// Load reads the store and the lock holder and builds a summary.
func Load(st store.Store, lockPath string, now time.Time) (Summary, error) {
	items, err := st.Load()
	if err != nil {
		return Summary{}, fmt.Errorf("load state: %w", err)
	}
	var daemon *runlock.Info
	if lockPath != "" {
		info, held, err := runlock.Holder(lockPath)
		if err != nil {
			return Summary{}, err
		}
		if held {
			daemon = &info
		}
	}
	return Build(items, daemon, now), nil
}

// Build groups items by status. Completed rows keep the most recent RecentCompleted.
func Build(items map[state.Key]state.WorkItem, daemon *runlock.Info, now time.Time) Summary {
	summary := Summary{Now: now, Daemon: daemon}
	for _, item := range store.Sorted(items) {
		summary.CostUSD += item.Result.CostUSD
		row := rowFor(item)
		switch {
		case item.Active():
			summary.InProgress = append(summary.InProgress, row)
		case item.Status == state.StatusPending:
			summary.Pending = append(summary.Pending, row)
		case item.Status == state.StatusFailed:
			summary.Failed = append(summary.Failed, row)
		default:
			summary.Completed = append(summary.Completed, row)
		}
	}
	newestFirst(summary.InProgress)
	newestFirst(summary.Failed)
	newestFirst(summary.Completed)
	sort.SliceStable(summary.Pending, func(i, j int) bool {
		return summary.Pending[i].Updated.Before(summary.Pending[j].Updated)
	})
	summary.CompletedTotal = len(summary.Completed)
	if len(summary.Completed) > RecentCompleted {
		summary.Completed = summary.Completed[:RecentCompleted]
	}
	return summary
}

// String renders the summary.
func (s Summary) String() string {
	var b strings.Builder
	if s.Daemon != nil {
		b.WriteString(daemonStyle.Render(fmt.Sprintf("daemon running (pid %s, up %s)",
			format.PID(s.Daemon.PID), format.DurationShort(s.Now.Sub(s.Daemon.StartedAt)))))
	} else {
		b.WriteString(idleStyle.Render("daemon not running"))
	}
	b.WriteString("\n")
	if cost := format.USD(s.CostUSD); cost != "" {
		b.WriteString(detailStyle.Render("agent cost " + cost))
		b.WriteString("\n")
	}

	s.section(&b, fmt.Sprintf("In progress (%d)", len(s.InProgress)), s.InProgress, lipgloss.NewStyle())
	s.section(&b, fmt.Sprintf("Pending (%d)", len(s.Pending)), s.Pending, lipgloss.NewStyle())
	s.section(&b, fmt.Sprintf("Failed (%d)", len(s.Failed)), s.Failed, failedStyle)
	completed := fmt.Sprintf("Completed (%d)", s.CompletedTotal)
	if s.CompletedTotal > len(s.Completed) {
		completed = fmt.Sprintf("Completed (last %d of %d)", len(s.Completed), s.CompletedTotal)
	}
	s.section(&b, completed, s.Completed, lipgloss.NewStyle())
	return strings.TrimRight(b.String(), "\n")
}

func (s Summary) section(b *strings.Builder, heading string, rows []Row, statusStyle lipgloss.Style) {
	b.WriteString("\n")
	b.WriteString(headingStyle.Render(heading))
	b.WriteString("\n")
	if len(rows) == 0 {
		b.WriteString(idleStyle.Render("  none"))
		b.WriteString("\n")
		return
	}
	for _, row := range rows {
		fmt.Fprintf(b, "  %-*s %s %*d %-*s %s\n",
			keyColumnWidth, row.Key,
			statusStyle.Render(fmt.Sprintf("%-*s", statusColumnWidth, row.Status)),
			attemptColumnWidth, row.Attempts,
			ageColumnWidth, format.Ago(s.Now, row.Updated),
			format.Ellipsize(row.Title, titleMaxWidth),
		)
		if row.Detail != "" {
			b.WriteString(detailStyle.Render("    " + format.Ellipsize(row.Detail, detailMaxWidth)))
			b.WriteString("\n")
		}
	}
}

func rowFor(item state.WorkItem) Row {
	return Row{
		Key:      item.Key().String(),
		Status:   item.Status,
		Title:    item.Title,
		Attempts: item.AttemptCount,
		Updated:  item.UpdatedAt,
		Detail:   detail(item),
	}
}

// detail picks the most useful single fact about an item.
func detail(item state.WorkItem) string {
	result := item.Result
	switch {
	case item.LastError != "":
		return item.LastError
	case item.Status == state.StatusMerged && result.MergeSHA != "":
		return "merged as " + result.MergeSHA
	case item.Status == state.StatusReviewed && result.Verdict != "":
		if result.Summary != "" {
			return result.Verdict + ": " + result.Summary
		}
		return result.Verdict
	case result.PRNumber > 0:
		return fmt.Sprintf("pull request #%d", result.PRNumber)
	case item.Worktree != nil:
		return item.Worktree.Path
	default:
		return ""
	}
}

func newestFirst(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Updated.After(rows[j].Updated)
	})
}
