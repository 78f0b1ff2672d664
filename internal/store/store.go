// Package store persists work items so the daemon survives restarts without losing or repeating work.
package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/afero"

	"github.com/cmtonkinson/clover/internal/state"
)

var (
	// ErrCorrupt reports a persisted snapshot that cannot be decoded. It is fatal at startup.
	ErrCorrupt = errors.New("state store is corrupt")
	// ErrNotFound reports a missing work item.
	ErrNotFound = errors.New("work item not found")
)

const (
	// BackendJSON stores every item in one atomically replaced JSON document.
	BackendJSON = "json"
	// BackendSQLite stores one row per item in a SQLite database.
	BackendSQLite = "sqlite"
)

// Store is the durable registry of work items. Callers provide single-writer discipline.
type Store interface {
	// Load returns every persisted item.
	Load() (map[state.Key]state.WorkItem, error)
	// Upsert inserts or replaces one item durably.
	Upsert(item state.WorkItem) error
	// Get returns the item and whether it exists.
	Get(kind state.Kind, number int) (state.WorkItem, bool, error)
	// Clear deletes one item, returning ErrNotFound when absent.
	Clear(kind state.Kind, number int) error
	// ClearAll deletes every item and returns how many were removed.
	ClearAll() (int, error)
	// Close releases backend resources.
	Close() error
}

// Open returns the backend selected by name at path.
func Open(backend string, path string, fs afero.Fs) (Store, error) {
	switch backend {
	case "", BackendJSON:
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return NewFileStore(fs, path)
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q (use %s or %s)", backend, BackendJSON, BackendSQLite)
	}
}

// Sorted returns items ordered by kind rank then number for stable output.
func Sorted(items map[state.Key]state.WorkItem) []state.WorkItem {
	out := make([]state.WorkItem, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		left, right := out[i], out[j]
		if left.Kind != right.Kind {
			return left.Kind.Rank() < right.Kind.Rank()
		}
		return left.Number < right.Number
	})
	return out
}

// corrupt wraps a decoding failure with ErrCorrupt.
func corrupt(source string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, source, err)
}
