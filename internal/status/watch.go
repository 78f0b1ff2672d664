package status

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events one atomic state write produces.
const DefaultDebounce = 150 * time.Millisecond

// Watch calls render once, then again whenever the state file or lock file changes, until ctx ends.
//
// The directory is watched rather than the file because state writes replace the file by rename.
func Watch(ctx context.Context, statePath string, lockPath string, debounce time.Duration, logger *zap.Logger, render func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()
	dirs := map[string]struct{}{filepath.Dir(statePath): {}}
	if lockPath != "" {
		dirs[filepath.Dir(lockPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	if err := render(); err != nil {
		return err
	}
	relevant := func(name string) bool {
		base := filepath.Base(name)
		if lockPath != "" && base == filepath.Base(lockPath) {
			return true
		}
		// Matches the SQLite journal and WAL files too.
		return strings.HasPrefix(base, filepath.Base(statePath))
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			logger.Debug("state changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-timer.C:
			if err := render(); err != nil {
				return err
			}
		}
	}
}
