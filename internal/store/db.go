package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultTripCacheLimit is the number of most recently cached trips kept
// after every trip write.
const DefaultTripCacheLimit = 100

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// DB is the app-owned trips.db. All access goes through Update and View so
// there is at most one writer at a time; readers run concurrently with
// each other but never alongside a writer.
type DB struct {
	conn           *sql.DB
	mu             sync.RWMutex
	tripCacheLimit int
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithTripCacheLimit overrides DefaultTripCacheLimit. Values below 1 are ignored.
func WithTripCacheLimit(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.tripCacheLimit = n
		}
	}
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := &DB{conn: conn, tripCacheLimit: DefaultTripCacheLimit}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Update runs fn inside a write transaction. The transaction commits only
// if fn returns nil.
func (db *DB) Update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.inTx(ctx, fn)
}

// View runs fn inside a transaction that is always rolled back. Any number
// of View calls may run at once, but none while an Update is in progress.
func (db *DB) View(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// withSavepoint runs fn between SAVEPOINT and RELEASE. When fn fails the
// work done since the savepoint is undone before the error is returned, so
// the enclosing transaction is left exactly as it was.
func withSavepoint(tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.Exec(`SAVEPOINT ` + name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		_, _ = tx.Exec(`ROLLBACK TO ` + name)
		_, _ = tx.Exec(`RELEASE ` + name)
		return err
	}
	if _, err := tx.Exec(`RELEASE ` + name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// ClearUserData removes everything tied to the signed-in user. Activities
// are reference data and survive.
func (db *DB) ClearUserData(ctx context.Context) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"timeline_events", "trips", "contacts", "pending_actions", "failed_actions", "auth_tokens", "sync_state"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}
