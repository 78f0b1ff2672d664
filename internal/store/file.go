package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/cmtonkinson/clover/internal/state"
)

// documentVersion is the schema version written to the JSON document.
const documentVersion = 1

// document is the on-disk JSON layout.
type document struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Items     []state.WorkItem `json:"items"`
}

// FileStore keeps every work item in one JSON document replaced atomically on each write.
type FileStore struct {
	fs   afero.Fs
	path string
	now  func() time.Time

	mu     sync.Mutex
	items  map[state.Key]state.WorkItem
	loaded bool
}

// NewFileStore returns a store backed by the JSON document at path.
func NewFileStore(fs afero.Fs, path string) (*FileStore, error) {
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state path is required")
	}
	return &FileStore{fs: fs, path: path, now: time.Now}, nil
}

// Path returns the document location.
func (store *FileStore) Path() string {
	return store.path
}

// Load reads the document from disk, replacing any cached view.
func (store *FileStore) Load() (map[state.Key]state.WorkItem, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.reload(); err != nil {
		return nil, err
	}
	return copyItems(store.items), nil
}

// Upsert inserts or replaces an item and rewrites the document.
func (store *FileStore) Upsert(item state.WorkItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", item.Key(), err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.ensureLoaded(); err != nil {
		return err
	}
	next := copyItems(store.items)
	next[item.Key()] = item.Clone()
	if err := store.write(next); err != nil {
		return err
	}
	store.items = next
	return nil
}

// Get returns a single item from the cached view.
func (store *FileStore) Get(kind state.Kind, number int) (state.WorkItem, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.ensureLoaded(); err != nil {
		return state.WorkItem{}, false, err
	}
	item, ok := store.items[state.Key{Kind: kind, Number: number}]
	if !ok {
		return state.WorkItem{}, false, nil
	}
	return item.Clone(), true, nil
}

// Clear removes one item and rewrites the document.
func (store *FileStore) Clear(kind state.Kind, number int) error {
	key := state.Key{Kind: kind, Number: number}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := store.items[key]; !ok {
		return fmt.Errorf("clear %s: %w", key, ErrNotFound)
	}
	next := copyItems(store.items)
	delete(next, key)
	if err := store.write(next); err != nil {
		return err
	}
	store.items = next
	return nil
}

// ClearAll removes every item.
func (store *FileStore) ClearAll() (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.ensureLoaded(); err != nil {
		return 0, err
	}
	count := len(store.items)
	next := map[state.Key]state.WorkItem{}
	if err := store.write(next); err != nil {
		return 0, err
	}
	store.items = next
	return count, nil
}

// Close is a no-op for the file backend.
func (store *FileStore) Close() error {
	return nil
}

func (store *FileStore) ensureLoaded() error {
	if store.loaded {
		return nil
	}
	return store.reload()
}

// reload decodes the document, treating a missing or blank file as empty.
func (store *FileStore) reload() error {
	data, err := afero.ReadFile(store.fs, store.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			store.items = map[state.Key]state.WorkItem{}
			store.loaded = true
			return nil
		}
		return fmt.Errorf("read state %s: %w", store.path, err)
	}
	items, err := decodeDocument(data)
	if err != nil {
		return corrupt(store.path, err)
	}
	store.items = items
	store.loaded = true
	return nil
}

func (store *FileStore) write(items map[state.Key]state.WorkItem) error {
	doc := document{
		Version:   documentVersion,
		UpdatedAt: store.now().UTC(),
		Items:     Sorted(items),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')
	return writeFileAtomic(store.fs, store.path, data)
}

// decodeDocument parses and validates a snapshot.
func decodeDocument(data []byte) (map[state.Key]state.WorkItem, error) {
	items := map[state.Key]state.WorkItem{}
	if len(bytes.TrimSpace(data)) == 0 {
		return items, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("unsupported document version %d", doc.Version)
	}
	for _, item := range doc.Items {
		if _, ok := items[item.Key()]; ok {
			return nil, fmt.Errorf("duplicate item %s", item.Key())
		}
		items[item.Key()] = item
	}
	if err := state.ValidateSet(items); err != nil {
		return nil, err
	}
	return items, nil
}

func copyItems(items map[state.Key]state.WorkItem) map[state.Key]state.WorkItem {
	out := make(map[state.Key]state.WorkItem, len(items))
	for key, item := range items {
		out[key] = item.Clone()
	}
	return out
}
