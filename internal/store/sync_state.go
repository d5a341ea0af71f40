package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Checkpoint keys.
const (
	CheckpointLastDrain       = "last_drain_at"
	CheckpointLastFullRefresh = "last_full_refresh_at"
)

// SetCheckpoint records a sync checkpoint value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().UnixMilli())
		return err
	})
}

// Checkpoint returns a sync checkpoint value, or "" if it was never set.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
