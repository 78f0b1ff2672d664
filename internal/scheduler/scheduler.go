// Package scheduler discovers triggers, admits pending work items against the concurrency cap and drives each one to completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/store"
	"github.com/cmtonkinson/clover/internal/worktree"
)

// Options wires the scheduler to its collaborators.
type Options struct {
	Store     store.Store
	Watcher   Watcher
	Resources Resources
	Executor  Executor
	Audit     AuditLogger
	Logger    *zap.Logger
	Settings  Settings
}

// Scheduler owns the in-memory view of every work item. Only the dispatcher loop mutates it.
type Scheduler struct {
	store     store.Store
	watcher   Watcher
	resources Resources
	executor  Executor
	audit     AuditLogger
	logger    *zap.Logger
	settings  Settings
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	items     map[state.Key]state.WorkItem
	inflight  map[state.Key]struct{}
	recovered bool

	workers  errgroup.Group
	commits  chan commitRequest
	finished chan state.Key
}

// commitRequest asks the dispatcher to apply one change to an item and persist it.
type commitRequest struct {
	key   state.Key
	to    state.Status
	edit  func(item *state.WorkItem)
	reply chan commitReply
}

type commitReply struct {
	item state.WorkItem
	err  error
}

// New builds a Scheduler. Recovery runs on the first RunOnce or Run.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Watcher == nil {
		return nil, errors.New("watcher is required")
	}
	if opts.Resources == nil {
		return nil, errors.New("resources are required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := opts.Settings.normalized()
	scheduler := &Scheduler{
		store:     opts.Store,
		watcher:   opts.Watcher,
		resources: opts.Resources,
		executor:  opts.Executor,
		audit:     opts.Audit,
		logger:    logger.Named("scheduler"),
		settings:  settings,
		now:       time.Now,
		sleep:     sleepContext,
		items:     map[state.Key]state.WorkItem{},
		inflight:  map[state.Key]struct{}{},
		commits:   make(chan commitRequest),
		finished:  make(chan state.Key),
	}
	scheduler.workers.SetLimit(settings.MaxConcurrent)
	return scheduler, nil
}

// Recover loads the store, returns interrupted items to pending and removes orphaned worktrees.
// A corrupt store is returned as an error wrapping store.ErrCorrupt.
func (scheduler *Scheduler) Recover(ctx context.Context) error {
	items, err := scheduler.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	scheduler.items = items

	for _, item := range store.Sorted(items) {
		if !item.Active() {
			continue
		}
		from := item.Status
		item.Worktree = nil
		item.LastError = fmt.Sprintf("interrupted while %s", from)
		if err := item.Transition(state.StatusPending, scheduler.now()); err != nil {
			return fmt.Errorf("recover %s: %w", item.Key(), err)
		}
		if err := scheduler.persist(item, from); err != nil {
			return fmt.Errorf("recover %s: %w", item.Key(), err)
		}
		scheduler.logger.Warn("reset interrupted item", zap.String("item", item.Key().String()), zap.String("from", string(from)))
	}

	var known []worktree.Handle
	for _, item := range scheduler.items {
		if item.Worktree != nil {
			known = append(known, *item.Worktree)
		}
	}
	orphans, err := scheduler.resources.Reconcile(known)
	if err != nil {
		return fmt.Errorf("reconcile worktrees: %w", err)
	}
	for _, path := range orphans {
		if err := scheduler.resources.RemoveOrphan(ctx, path); err != nil {
			scheduler.logger.Warn("orphan removal failed", zap.String("path", path), zap.Error(err))
			continue
		}
		if scheduler.audit != nil {
			if err := scheduler.audit.LogWorktreeOrphan(path); err != nil {
				scheduler.logger.Warn("audit write failed", zap.Error(err))
			}
		}
	}
	scheduler.recovered = true
	scheduler.logger.Info("recovery complete", zap.Int("items", len(scheduler.items)), zap.Int("orphans", len(orphans)))
	return nil
}

// RunOnce performs one tick and waits for every item it admitted to finish.
func (scheduler *Scheduler) RunOnce(ctx context.Context) error {
	if err := scheduler.ensureRecovered(ctx); err != nil {
		return err
	}
	return scheduler.loop(ctx, nil, true)
}

// Run ticks every poll interval until ctx is cancelled, then lets in-flight items wind down.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	if err := scheduler.ensureRecovered(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(scheduler.settings.PollInterval)
	defer ticker.Stop()
	return scheduler.loop(ctx, ticker.C, false)
}

// Items returns a copy of the dispatcher's view. It must not be called while a loop is running.
func (scheduler *Scheduler) Items() map[state.Key]state.WorkItem {
	items := make(map[state.Key]state.WorkItem, len(scheduler.items))
	for key, item := range scheduler.items {
		items[key] = item.Clone()
	}
	return items
}

func (scheduler *Scheduler) ensureRecovered(ctx context.Context) error {
	if scheduler.recovered {
		return nil
	}
	return scheduler.Recover(ctx)
}

// loop is the dispatcher. It is the only goroutine that touches items, inflight or the store.
func (scheduler *Scheduler) loop(ctx context.Context, ticks <-chan time.Time, once bool) error {
	polls := make(chan pollResult, 1)
	polling := false
	stopping := false
	done := ctx.Done()
	var pollErr error

	startPoll := func() {
		if polling || stopping {
			return
		}
		polling = true
		tick := ulid.Make().String()
		go func() {
			polls <- scheduler.poll(ctx, tick)
		}()
	}
	startPoll()

	for {
		if !polling && len(scheduler.inflight) == 0 && (once || stopping) {
			if err := scheduler.workers.Wait(); err != nil {
				return err
			}
			if stopping {
				scheduler.logger.Info("scheduler stopped")
				return nil
			}
			return pollErr
		}
		select {
		case <-done:
			done = nil
			ticks = nil
			stopping = true
			scheduler.logger.Info("shutting down; waiting for in-flight items", zap.Int("in_flight", len(scheduler.inflight)))
		case <-ticks:
			startPoll()
		case result := <-polls:
			polling = false
			if stopping {
				continue
			}
			pollErr = result.err()
			scheduler.reconcile(result)
			scheduler.admit(ctx, result.tick)
		case req := <-scheduler.commits:
			item, err := scheduler.apply(req)
			req.reply <- commitReply{item: item, err: err}
		case key := <-scheduler.finished:
			delete(scheduler.inflight, key)
			scheduler.park(key)
		}
	}
}

// park returns an item to pending when its worker exited without committing a resting status.
// Any worktree it still names is reclaimed as an orphan by the next recovery.
func (scheduler *Scheduler) park(key state.Key) {
	item, ok := scheduler.items[key]
	if !ok || !item.Active() {
		return
	}
	scheduler.logger.Error("worker exited with item still active", zap.String("item", key.String()), zap.String("status", string(item.Status)))
	reason := fmt.Sprintf("worker exited while %s", item.Status)
	_, err := scheduler.apply(commitRequest{key: key, to: state.StatusPending, edit: func(item *state.WorkItem) {
		item.Worktree = nil
		item.LastError = reason
	}})
	if err != nil {
		scheduler.logger.Error("could not park item; it will be recovered on restart", zap.String("item", key.String()), zap.Error(err))
	}
}

// admit starts workers for ordered pending items while slots are free.
func (scheduler *Scheduler) admit(ctx context.Context, tick string) {
	admission := Admit(OrderedPending(scheduler.items), scheduler.inflight, scheduler.settings.MaxConcurrent)
	for _, decision := range admission.Decisions {
		scheduler.logger.Debug("admission",
			zap.String("tick", tick),
			zap.String("item", decision.Key.String()),
			zap.String("reason", decision.Reason))
	}
	for _, item := range admission.Selected {
		key := item.Key()
		scheduler.inflight[key] = struct{}{}
		snapshot := item.Clone()
		scheduler.logger.Info("admitted", zap.String("tick", tick), zap.String("item", key.String()), zap.Int("attempt", item.AttemptCount+1))
		scheduler.workers.Go(func() error {
			defer func() { scheduler.finished <- key }()
			scheduler.drive(ctx, snapshot)
			return nil
		})
	}
}

// apply runs on the dispatcher: edit, transition, validate, persist, then publish to the cache.
func (scheduler *Scheduler) apply(req commitRequest) (state.WorkItem, error) {
	current, ok := scheduler.items[req.key]
	if !ok {
		return state.WorkItem{}, fmt.Errorf("commit %s: %w", req.key, store.ErrNotFound)
	}
	from := current.Status
	item := current.Clone()
	if req.edit != nil {
		req.edit(&item)
	}
	if req.to != "" && req.to != item.Status {
		if err := item.Transition(req.to, scheduler.now()); err != nil {
			return current, err
		}
	} else {
		item.UpdatedAt = scheduler.now()
	}
	if err := scheduler.persist(item, from); err != nil {
		return current, err
	}
	return item.Clone(), nil
}

// persist writes an item and updates the cache; transitions are logged and audited.
func (scheduler *Scheduler) persist(item state.WorkItem, from state.Status) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := scheduler.store.Upsert(item); err != nil {
		return fmt.Errorf("persist %s: %w", item.Key(), err)
	}
	scheduler.items[item.Key()] = item
	if from == item.Status {
		return nil
	}
	scheduler.logger.Info("transition",
		zap.String("item", item.Key().String()),
		zap.String("from", string(from)),
		zap.String("to", string(item.Status)))
	if scheduler.audit != nil {
		if err := scheduler.audit.LogItemTransition(item.Key().String(), string(from), string(item.Status)); err != nil {
			scheduler.logger.Warn("audit write failed", zap.Error(err))
		}
	}
	return nil
}

// commit is called by workers; it blocks until the dispatcher has persisted the change.
func (scheduler *Scheduler) commit(key state.Key, to state.Status, edit func(item *state.WorkItem)) (state.WorkItem, error) {
	reply := make(chan commitReply, 1)
	scheduler.commits <- commitRequest{key: key, to: to, edit: edit, reply: reply}
	result := <-reply
	return result.item, result.err
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
