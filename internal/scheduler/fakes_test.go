package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cmtonkinson/clover/internal/executor"
	"github.com/cmtonkinson/clover/internal/github"
	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/store"
	"github.com/cmtonkinson/clover/internal/worktree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(d)
}

// Sleep advances the clock instead of blocking.
func (clock *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	clock.mu.Lock()
	clock.slept = append(clock.slept, d)
	clock.now = clock.now.Add(d)
	clock.mu.Unlock()
	return ctx.Err()
}

func (clock *fakeClock) Slept() []time.Duration {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return append([]time.Duration(nil), clock.slept...)
}

// fakeThread is an issue or pull request on the fake GitHub.
type fakeThread struct {
	number    int
	title     string
	body      string
	pr        bool
	branch    string
	base      string
	labels    map[string]bool
	labeledAt time.Time
}

type fakeWatcher struct {
	mu          sync.Mutex
	trigger     string
	threads     map[int]*fakeThread
	nextPR      int
	comments    map[int][]string
	created     []github.PRRequest
	merges      []github.MergeRequest
	merged      map[int]string
	mergedHeads map[int]string
	deleted     []string
	closed      []int
	ci          []github.CIStatus
	ciCalls     int
	errs        map[string]error
}

func newFakeWatcher(trigger string) *fakeWatcher {
	return &fakeWatcher{
		trigger:     trigger,
		threads:     map[int]*fakeThread{},
		nextPR:      100,
		comments:    map[int][]string{},
		merged:      map[int]string{},
		mergedHeads: map[int]string{},
		errs:        map[string]error{},
	}
}

func (watcher *fakeWatcher) addIssue(number int, title string, at time.Time) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.threads[number] = &fakeThread{number: number, title: title, body: "Please fix " + title, labels: map[string]bool{watcher.trigger: true}, labeledAt: at}
}

func (watcher *fakeWatcher) addPR(number int, branch string, at time.Time) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.threads[number] = &fakeThread{number: number, title: fmt.Sprintf("PR %d", number), pr: true, branch: branch, base: "main", labels: map[string]bool{watcher.trigger: true}, labeledAt: at}
}

// relabel re-applies the trigger label at a later time.
func (watcher *fakeWatcher) relabel(number int, at time.Time) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	thread := watcher.threads[number]
	thread.labels[watcher.trigger] = true
	thread.labeledAt = at
}

func (watcher *fakeWatcher) requestMerge(req github.MergeRequest) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.merges = append(watcher.merges, req)
}

func (watcher *fakeWatcher) fail(op string, err error) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.errs[op] = err
}

func (watcher *fakeWatcher) hasLabel(number int, label string) bool {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	thread, ok := watcher.threads[number]
	return ok && thread.labels[label]
}

func (watcher *fakeWatcher) commentsOn(number int) []string {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	return append([]string(nil), watcher.comments[number]...)
}

func (watcher *fakeWatcher) createdPRs() []github.PRRequest {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	return append([]github.PRRequest(nil), watcher.created...)
}

func (watcher *fakeWatcher) listed(pr bool) []*fakeThread {
	var threads []*fakeThread
	for _, thread := range watcher.threads {
		if thread.pr == pr && thread.labels[watcher.trigger] {
			threads = append(threads, thread)
		}
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].labeledAt.Before(threads[j].labeledAt) })
	return threads
}

func (watcher *fakeWatcher) ListReadyIssues(ctx context.Context) ([]github.Issue, error) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if err := watcher.errs["ListReadyIssues"]; err != nil {
		return nil, err
	}
	var issues []github.Issue
	for _, thread := range watcher.listed(false) {
		issues = append(issues, github.Issue{Number: thread.number, Title: thread.title, Body: thread.body, TriggeredAt: thread.labeledAt})
	}
	return issues, nil
}

func (watcher *fakeWatcher) ListTriggeredPRs(ctx context.Context) ([]github.PullRequest, error) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if err := watcher.errs["ListTriggeredPRs"]; err != nil {
		return nil, err
	}
	var prs []github.PullRequest
	for _, thread := range watcher.listed(true) {
		prs = append(prs, github.PullRequest{Number: thread.number, Title: thread.title, Body: thread.body, Branch: thread.branch, BaseBranch: thread.base, TriggeredAt: thread.labeledAt})
	}
	return prs, nil
}

func (watcher *fakeWatcher) ListMergeRequests(ctx context.Context) ([]github.MergeRequest, error) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if err := watcher.errs["ListMergeRequests"]; err != nil {
		return nil, err
	}
	var open []github.MergeRequest
	for _, req := range watcher.merges {
		if _, done := watcher.merged[req.PRNumber]; !done {
			open = append(open, req)
		}
	}
	return open, nil
}

func (watcher *fakeWatcher) AddLabel(ctx context.Context, number int, label string) error {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if err := watcher.errs["AddLabel"]; err != nil {
		return err
	}
	thread, ok := watcher.threads[number]
	if !ok {
		return &github.CollaboratorError{Op: "add label", Status: 404, Attempts: 1, Err: fmt.Errorf("no thread %d", number)}
	}
	thread.labels[label] = true
	return nil
}

func (watcher *fakeWatcher) RemoveLabel(ctx context.Context, number int, label string) error {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if err := watcher.errs["RemoveLabel"]; err != nil {
		return err
	}
	if thread, ok := watcher.threads[number]; ok {
		delete(thread.labels, label)
	}
	return nil
}

func (watcher *fakeWatcher) PostComment(ctx context.Context, number int, body string) error {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.comments[number] = append(watcher.comments[number], body)
	return nil
}

func (watcher *fakeWatcher) CreatePR(ctx context.Context, req github.PRRequest) (int, error) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if err := watcher.errs["CreatePR"]; err != nil {
		return 0, err
	}
	watcher.nextPR++
	number := watcher.nextPR
	watcher.created = append(watcher.created, req)
	watcher.threads[number] = &fakeThread{number: number, title: req.Title, body: req.Body, pr: true, branch: req.Head, base: req.Base, labels: map[string]bool{}}
	return number, nil
}

func (watcher *fakeWatcher) MergePR(ctx context.Context, number int, strategy string, headSHA string) (github.MergeResult, error) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if err := watcher.errs["MergePR"]; err != nil {
		return github.MergeResult{}, err
	}
	watcher.merged[number] = strategy
	watcher.mergedHeads[number] = headSHA
	return github.MergeResult{SHA: "abc1234"}, nil
}

func (watcher *fakeWatcher) CIStatus(ctx context.Context, number int) (github.CIStatus, error) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.ciCalls++
	if len(watcher.ci) == 0 {
		return github.CIPassed, nil
	}
	status := watcher.ci[0]
	if len(watcher.ci) > 1 {
		watcher.ci = watcher.ci[1:]
	}
	return status, nil
}

func (watcher *fakeWatcher) DeleteBranch(ctx context.Context, branch string) error {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.deleted = append(watcher.deleted, branch)
	return nil
}

func (watcher *fakeWatcher) CloseIssue(ctx context.Context, number int) error {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	watcher.closed = append(watcher.closed, number)
	return nil
}

type releaseRecord struct {
	owner      string
	keepBranch bool
}

type fakeResources struct {
	mu          sync.Mutex
	held        map[string]string
	active      int
	peak        int
	allocations int
	released    []releaseRecord
	orphans     []string
	removed     []string
	branches    map[string]bool
	pushed      []string
	allocErr    error
	uncommitted string
	requests    []worktree.Request
}

func newFakeResources() *fakeResources {
	return &fakeResources{held: map[string]string{}, branches: map[string]bool{}}
}

func (resources *fakeResources) Allocate(ctx context.Context, req worktree.Request) (worktree.Handle, error) {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	if resources.allocErr != nil {
		return worktree.Handle{}, resources.allocErr
	}
	if owner, ok := resources.held[req.Branch]; ok && owner != req.Owner {
		return worktree.Handle{}, &worktree.ResourceError{Op: "allocate", Owner: req.Owner, Err: fmt.Errorf("%w: %s is held by %s", worktree.ErrBranchHeld, req.Branch, owner)}
	}
	resources.held[req.Branch] = req.Owner
	resources.requests = append(resources.requests, req)
	resources.allocations++
	resources.active++
	if resources.active > resources.peak {
		resources.peak = resources.active
	}
	return worktree.Handle{
		Path:       "/worktrees/" + req.Owner,
		Branch:     req.Branch,
		BaseBranch: req.BaseBranch,
		Owner:      req.Owner,
		HeadSHA:    "head-" + req.Branch,
		CreatedAt:  epoch,
	}, nil
}

func (resources *fakeResources) Release(ctx context.Context, handle worktree.Handle, opts worktree.ReleaseOptions) error {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	delete(resources.held, handle.Branch)
	resources.active--
	resources.released = append(resources.released, releaseRecord{owner: handle.Owner, keepBranch: opts.KeepBranch})
	return nil
}

func (resources *fakeResources) Reconcile(known []worktree.Handle) ([]string, error) {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	return append([]string(nil), resources.orphans...), nil
}

func (resources *fakeResources) RemoveOrphan(ctx context.Context, path string) error {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	resources.removed = append(resources.removed, path)
	return nil
}

func (resources *fakeResources) BranchExists(ctx context.Context, branch string) (bool, error) {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	return resources.branches[branch], nil
}

func (resources *fakeResources) DefaultBranch(ctx context.Context) string {
	return "main"
}

func (resources *fakeResources) Uncommitted(ctx context.Context, handle worktree.Handle) (string, error) {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	return resources.uncommitted, nil
}

func (resources *fakeResources) Push(ctx context.Context, handle worktree.Handle) error {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	resources.pushed = append(resources.pushed, handle.Branch)
	resources.branches[handle.Branch] = true
	return nil
}

func (resources *fakeResources) releases() []releaseRecord {
	resources.mu.Lock()
	defer resources.mu.Unlock()
	return append([]releaseRecord(nil), resources.released...)
}

type fakeExecutor struct {
	mu      sync.Mutex
	run     func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome
	actions []executor.Action
	running int
	peak    int
}

func (fake *fakeExecutor) Run(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome {
	fake.mu.Lock()
	fake.actions = append(fake.actions, action)
	fake.running++
	if fake.running > fake.peak {
		fake.peak = fake.running
	}
	run := fake.run
	fake.mu.Unlock()

	defer func() {
		fake.mu.Lock()
		fake.running--
		fake.mu.Unlock()
	}()
	if run != nil {
		return run(ctx, handle, action)
	}
	return succeed(action)
}

func (fake *fakeExecutor) kinds() []executor.ActionKind {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	kinds := make([]executor.ActionKind, 0, len(fake.actions))
	for _, action := range fake.actions {
		kinds = append(kinds, action.Kind)
	}
	return kinds
}

func succeed(action executor.Action) executor.Outcome {
	switch action.Kind {
	case executor.ActionChecks:
		return executor.Outcome{Status: executor.StatusSuccess, Artifact: "- `make test` passed (1s)"}
	case executor.ActionReview:
		return executor.Outcome{Status: executor.StatusSuccess, Artifact: "Looks solid overall.\n\nVerdict: approve", CostUSD: 0.25}
	default:
		return executor.Outcome{Status: executor.StatusSuccess, Artifact: "Implemented the change with tests.", CostUSD: 1.5}
	}
}

type fakeAudit struct {
	mu          sync.Mutex
	transitions []string
	orphans     []string
}

func (audit *fakeAudit) LogItemTransition(item string, from string, to string) error {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	audit.transitions = append(audit.transitions, fmt.Sprintf("%s %s->%s", item, from, to))
	return nil
}

func (audit *fakeAudit) LogWorktreeOrphan(path string) error {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	audit.orphans = append(audit.orphans, path)
	return nil
}

// harness wires a Scheduler to fakes over an in-memory state file.
type harness struct {
	t         *testing.T
	store     *store.FileStore
	watcher   *fakeWatcher
	resources *fakeResources
	executor  *fakeExecutor
	audit     *fakeAudit
	clock     *fakeClock
	scheduler *Scheduler
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	fileStore, err := store.NewFileStore(afero.NewMemMapFs(), "/repo/.clover/state.json")
	require.NoError(t, err)
	if settings.TriggerLabel == "" {
		settings.TriggerLabel = "clover"
	}
	h := &harness{
		t:         t,
		store:     fileStore,
		watcher:   newFakeWatcher(settings.TriggerLabel),
		resources: newFakeResources(),
		executor:  &fakeExecutor{},
		audit:     &fakeAudit{},
		clock:     &fakeClock{now: epoch.Add(time.Hour)},
	}
	h.scheduler = h.build(settings)
	return h
}

// build returns a fresh Scheduler over the harness fakes, as a restarted daemon would see them.
func (h *harness) build(settings Settings) *Scheduler {
	h.t.Helper()
	scheduler, err := New(Options{
		Store:     h.store,
		Watcher:   h.watcher,
		Resources: h.resources,
		Executor:  h.executor,
		Audit:     h.audit,
		Settings:  settings,
	})
	require.NoError(h.t, err)
	scheduler.now = h.clock.Now
	scheduler.sleep = h.clock.Sleep
	return scheduler
}

func (h *harness) runOnce() {
	h.t.Helper()
	require.NoError(h.t, h.scheduler.RunOnce(context.Background()))
}

func (h *harness) item(kind state.Kind, number int) state.WorkItem {
	h.t.Helper()
	item, ok, err := h.store.Get(kind, number)
	require.NoError(h.t, err)
	require.True(h.t, ok, "item %s#%d not persisted", kind, number)
	return item
}

func (fake *fakeExecutor) setRun(run func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.run = run
}

func (fake *fakeExecutor) peakRunning() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.peak
}

// corruptStore fails Load the way a damaged state file does.
type corruptStore struct {
	store.Store
}

func (corruptStore) Load() (map[state.Key]state.WorkItem, error) {
	return nil, fmt.Errorf("%w: unexpected end of JSON input", store.ErrCorrupt)
}

// failingStore rejects writes the predicate selects, the way a full disk does.
type failingStore struct {
	store.Store
	mu     sync.Mutex
	reject func(item state.WorkItem) bool
	failed int
}

func (failing *failingStore) Upsert(item state.WorkItem) error {
	failing.mu.Lock()
	defer failing.mu.Unlock()
	if failing.reject(item) {
		failing.failed++
		return errors.New("write state: no space left on device")
	}
	return failing.Store.Upsert(item)
}

// rejectTimes selects the first n writes matching match.
func rejectTimes(n int, match func(item state.WorkItem) bool) func(item state.WorkItem) bool {
	return func(item state.WorkItem) bool {
		if n == 0 || !match(item) {
			return false
		}
		n--
		return true
	}
}
