package status

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/cmtonkinson/clover/internal/runlock"
	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/store"
	"github.com/cmtonkinson/clover/internal/worktree"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// item builds a work item with the given status updated minutesAgo before now.
func item(kind state.Kind, number int, status state.Status, minutesAgo int) state.WorkItem {
	work := state.NewWorkItem(kind, number, now.Add(-24*time.Hour))
	work.Status = status
	work.Title = "Item " + work.Key().String()
	work.UpdatedAt = now.Add(-time.Duration(minutesAgo) * time.Minute)
	if state.IsActive(status) {
		work.Worktree = &worktree.Handle{
			Path:  "/repo/.clover/worktrees/" + work.Key().String(),
			Owner: work.Key().String(),
		}
	}
	return work
}

func collect(items ...state.WorkItem) map[state.Key]state.WorkItem {
	out := make(map[state.Key]state.WorkItem, len(items))
	for _, work := range items {
		out[work.Key()] = work
	}
	return out
}

func keys(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Key)
	}
	return out
}

// TestBuildGroupsByStatus verifies items land in the section operators expect.
func TestBuildGroupsByStatus(t *testing.T) {
	failed := item(state.KindPRReview, 5, state.StatusFailed, 30)
	failed.LastError = "checks failed"
	items := collect(
		item(state.KindIssueImplement, 1, state.StatusImplementing, 5),
		item(state.KindMerge, 2, state.StatusChecking, 1),
		item(state.KindIssueImplement, 3, state.StatusPending, 2),
		item(state.KindIssueImplement, 4, state.StatusPending, 9),
		failed,
		item(state.KindIssueImplement, 6, state.StatusDone, 60),
		item(state.KindPRReview, 7, state.StatusAbandoned, 10),
	)

	summary := Build(items, nil, now)

	tests := []struct {
		name     string
		rows     []Row
		expected []string
	}{
		{"in progress newest first", summary.InProgress, []string{"merge#2", "issue_implement#1"}},
		{"pending oldest first", summary.Pending, []string{"issue_implement#4", "issue_implement#3"}},
		{"failed", summary.Failed, []string{"pr_review#5"}},
		{"completed newest first", summary.Completed, []string{"pr_review#7", "issue_implement#6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(keys(tt.rows), ",")
			if got != strings.Join(tt.expected, ",") {
				t.Errorf("rows = %s, want %s", got, strings.Join(tt.expected, ","))
			}
		})
	}
	if summary.Failed[0].Detail != "checks failed" {
		t.Fatalf("failed detail = %q", summary.Failed[0].Detail)
	}
}

// TestBuildKeepsRecentCompleted ensures only the most recent completed items are listed.
func TestBuildKeepsRecentCompleted(t *testing.T) {
	var all []state.WorkItem
	for number := 1; number <= RecentCompleted+3; number++ {
		all = append(all, item(state.KindIssueImplement, number, state.StatusDone, 100-number))
	}

	summary := Build(collect(all...), nil, now)

	if summary.CompletedTotal != RecentCompleted+3 {
		t.Fatalf("completed total = %d", summary.CompletedTotal)
	}
	if len(summary.Completed) != RecentCompleted {
		t.Fatalf("completed rows = %d, want %d", len(summary.Completed), RecentCompleted)
	}
	if summary.Completed[0].Key != "issue_implement#13" {
		t.Fatalf("newest completed = %s", summary.Completed[0].Key)
	}
	if !strings.Contains(summary.String(), "Completed (last 10 of 13)") {
		t.Fatalf("heading missing from:\n%s", summary.String())
	}
}

// TestDetailPrefersUsefulFacts verifies the detail line for each outcome.
func TestDetailPrefersUsefulFacts(t *testing.T) {
	merged := item(state.KindMerge, 1, state.StatusMerged, 1)
	merged.Result.MergeSHA = "abc1234"
	reviewed := item(state.KindPRReview, 2, state.StatusReviewed, 1)
	reviewed.Result.Verdict = "approve"
	reviewed.Result.Summary = "Looks solid."
	done := item(state.KindIssueImplement, 3, state.StatusDone, 1)
	done.Result.PRNumber = 101
	active := item(state.KindIssueImplement, 4, state.StatusImplementing, 1)

	tests := []struct {
		name     string
		item     state.WorkItem
		expected string
	}{
		{"merged", merged, "merged as abc1234"},
		{"reviewed", reviewed, "approve: Looks solid."},
		{"done", done, "pull request #101"},
		{"active", active, "/repo/.clover/worktrees/issue_implement#4"},
		{"pending", item(state.KindIssueImplement, 5, state.StatusPending, 1), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detail(tt.item); got != tt.expected {
				t.Errorf("detail() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// TestSummaryStringShowsDaemonAndCost checks the header lines.
func TestSummaryStringShowsDaemonAndCost(t *testing.T) {
	done := item(state.KindIssueImplement, 3, state.StatusDone, 1)
	done.Result.CostUSD = 1.5
	daemon := &runlock.Info{PID: 4242, StartedAt: now.Add(-90 * time.Second)}

	out := Build(collect(done), daemon, now).String()

	for _, want := range []string{"daemon running (pid 4242, up 1m30s)", "agent cost $1.50", "In progress (0)", "none", "issue_implement#3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	idle := Build(nil, nil, now).String()
	if !strings.HasPrefix(idle, "daemon not running") {
		t.Fatalf("idle output = %q", idle)
	}
	if strings.Contains(idle, "agent cost") {
		t.Fatalf("zero cost should be omitted:\n%s", idle)
	}
}

// TestLoadReadsStoreAndLock ensures Load combines persisted items with the lock holder.
func TestLoadReadsStoreAndLock(t *testing.T) {
	st, err := store.NewFileStore(afero.NewMemMapFs(), "/repo/.clover/state.json")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Upsert(item(state.KindIssueImplement, 9, state.StatusPending, 3)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	lockPath := filepath.Join(t.TempDir(), runlock.FileName)
	lock, err := runlock.Acquire(lockPath)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	summary, err := Load(st, lockPath, now)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if summary.Daemon == nil || summary.Daemon.PID != os.Getpid() {
		t.Fatalf("daemon = %+v", summary.Daemon)
	}
	if len(summary.Pending) != 1 || summary.Pending[0].Key != "issue_implement#9" {
		t.Fatalf("pending = %+v", summary.Pending)
	}

	missing, err := Load(st, filepath.Join(t.TempDir(), runlock.FileName), now)
	if err != nil {
		t.Fatalf("load without lock: %v", err)
	}
	if missing.Daemon != nil {
		t.Fatalf("expected no daemon, got %+v", missing.Daemon)
	}
}
