package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cmtonkinson/clover/internal/state"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS work_items (
	kind       TEXT    NOT NULL,
	number     INTEGER NOT NULL,
	status     TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (kind, number)
);`

// SQLiteStore keeps one row per work item; every write is a single transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", filepath.Dir(path), err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state %s: %w", path, err)
	}
	// A single connection keeps writes serialized inside one process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database location.
func (store *SQLiteStore) Path() string {
	return store.path
}

// Load returns every row, failing with ErrCorrupt on undecodable payloads.
func (store *SQLiteStore) Load() (map[state.Key]state.WorkItem, error) {
	rows, err := store.db.Query(`SELECT kind, number, payload FROM work_items`)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()

	items := map[state.Key]state.WorkItem{}
	for rows.Next() {
		var kind string
		var number int
		var payload string
		if err := rows.Scan(&kind, &number, &payload); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		item, err := decodeRow(kind, number, payload)
		if err != nil {
			return nil, corrupt(store.path, err)
		}
		items[item.Key()] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	if err := state.ValidateSet(items); err != nil {
		return nil, corrupt(store.path, err)
	}
	return items, nil
}

// Upsert writes one row in its own transaction.
func (store *SQLiteStore) Upsert(item state.WorkItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", item.Key(), err)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", item.Key(), err)
	}
	return store.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO work_items (kind, number, status, payload, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (kind, number) DO UPDATE SET status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at`,
			string(item.Kind), item.Number, string(item.Status), string(payload), item.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert %s: %w", item.Key(), err)
		}
		return nil
	})
}

// Get returns one item when present.
func (store *SQLiteStore) Get(kind state.Kind, number int) (state.WorkItem, bool, error) {
	var payload string
	err := store.db.QueryRow(`SELECT payload FROM work_items WHERE kind = ? AND number = ?`, string(kind), number).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return state.WorkItem{}, false, nil
	}
	if err != nil {
		return state.WorkItem{}, false, fmt.Errorf("get %s#%d: %w", kind, number, err)
	}
	item, err := decodeRow(string(kind), number, payload)
	if err != nil {
		return state.WorkItem{}, false, corrupt(store.path, err)
	}
	return item, true, nil
}

// Clear deletes one row.
func (store *SQLiteStore) Clear(kind state.Kind, number int) error {
	key := state.Key{Kind: kind, Number: number}
	return store.inTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM work_items WHERE kind = ? AND number = ?`, string(kind), number)
		if err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
		if affected == 0 {
			return fmt.Errorf("clear %s: %w", key, ErrNotFound)
		}
		return nil
	})
}

// ClearAll deletes every row.
func (store *SQLiteStore) ClearAll() (int, error) {
	var count int64
	err := store.inTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM work_items`)
		if err != nil {
			return fmt.Errorf("clear all: %w", err)
		}
		count, err = result.RowsAffected()
		return err
	})
	return int(count), err
}

// Close closes the database handle.
func (store *SQLiteStore) Close() error {
	return store.db.Close()
}

func (store *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// decodeRow parses a payload and checks it against its primary key columns.
func decodeRow(kind string, number int, payload string) (state.WorkItem, error) {
	var item state.WorkItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return state.WorkItem{}, fmt.Errorf("decode %s#%d: %w", kind, number, err)
	}
	if string(item.Kind) != kind || item.Number != number {
		return state.WorkItem{}, fmt.Errorf("row %s#%d holds payload for %s", kind, number, item.Key())
	}
	return item, nil
}
