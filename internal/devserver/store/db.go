// Package store is the SQLite persistence of the devserver.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation, message or file does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection for the devserver's convsync.db.
type DB struct {
	*sql.DB

	clockMu sync.Mutex
	lastMs  int64
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// stamp returns a creation time in milliseconds that is strictly greater
// than every earlier stamp, so "before" cursors never skip a message.
func (db *DB) stamp() int64 {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= db.lastMs {
		now = db.lastMs + 1
	}
	db.lastMs = now
	return now
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
