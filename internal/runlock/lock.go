// Package runlock keeps a single clover daemon per repository and lets other commands see who holds it.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// FileName is the lock file created next to the state file.
	FileName     = "clover.lock"
	lockFileMode = 0o644
	lockDirMode  = 0o755
)

// ErrLockHeld reports a live daemon already owning the repository.
var ErrLockHeld = errors.New("run lock already held")

// Info is the metadata written into the lock file.
type Info struct {
	PID       int
	StartedAt time.Time
}

// Lock holds the acquired lock file handle.
type Lock struct {
	file *os.File
	path string
	// Stale is set when a dead daemon's metadata was replaced on acquisition.
	Stale *Info
}

// PathFor returns the lock path used for a state file.
func PathFor(statePath string) string {
	return filepath.Join(filepath.Dir(statePath), FileName)
}

// Acquire takes the advisory lock at path and records this process in it.
//
// The kernel drops the lock when its holder dies, so leftover metadata from a crashed daemon is
// overwritten and reported through Lock.Stale.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), lockDirMode); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run lock %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isLockBusy(err) {
			return nil, heldError(path)
		}
		return nil, fmt.Errorf("lock run lock %s: %w", path, err)
	}

	lock := &Lock{file: file, path: path}
	if previous, err := readInfo(path); err == nil && previous.PID != os.Getpid() {
		lock.Stale = &previous
	}
	info := Info{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	if err := writeInfo(file, info); err != nil {
		_ = unlock(file)
		_ = file.Close()
		return nil, err
	}
	return lock, nil
}

// Path returns the lock file location.
func (lock *Lock) Path() string {
	return lock.path
}

// Release unlocks and removes the lock file.
func (lock *Lock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	if err := unlock(lock.file); err != nil {
		_ = lock.file.Close()
		return err
	}
	if err := lock.file.Close(); err != nil {
		return err
	}
	lock.file = nil
	if err := os.Remove(lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run lock %s: %w", lock.path, err)
	}
	return nil
}

// Holder reports the live daemon holding the lock at path, if any.
// Metadata left by a dead process is ignored.
func Holder(path string) (Info, bool, error) {
	info, err := readInfo(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, false, nil
		}
		return Info{}, false, err
	}
	alive, err := processExists(info.PID)
	if err != nil {
		return Info{}, false, fmt.Errorf("check run lock pid %d: %w", info.PID, err)
	}
	if !alive {
		return Info{}, false, nil
	}
	return info, true, nil
}

func heldError(path string) error {
	info, err := readInfo(path)
	if err != nil {
		return fmt.Errorf("%w: %s; another clover daemon is running", ErrLockHeld, path)
	}
	return fmt.Errorf("%w: %s by pid %d since %s", ErrLockHeld, path, info.PID, info.StartedAt.Format(time.RFC3339))
}

// readInfo parses the pid and started_at lines of a lock file.
func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	return parseInfo(data)
}

func parseInfo(data []byte) (Info, error) {
	var info Info
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			pid, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || pid <= 0 {
				return Info{}, fmt.Errorf("parse pid %q", value)
			}
			info.PID = pid
		case "started_at":
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
			if err != nil {
				return Info{}, fmt.Errorf("parse started_at: %w", err)
			}
			info.StartedAt = parsed
		}
	}
	if info.PID == 0 {
		return Info{}, errors.New("missing pid")
	}
	return info, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate run lock: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek run lock: %w", err)
	}
	payload := fmt.Sprintf("pid=%d\nstarted_at=%s\n", info.PID, info.StartedAt.Format(time.RFC3339))
	if _, err := file.WriteString(payload); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return file.Sync()
}

// processExists checks whether a PID appears to reference a running process.
func processExists(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

func unlock(file *os.File) error {
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock run lock: %w", err)
	}
	return nil
}

// isLockBusy returns true when the lock is already held by another process.
func isLockBusy(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
