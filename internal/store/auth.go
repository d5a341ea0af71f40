package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
)

const primaryTokenSlot = "primary"

// SaveTokens backs up the credential pair.
func (db *DB) SaveTokens(ctx context.Context, t model.Tokens) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO auth_tokens (slot, access_token, refresh_token, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(slot) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				updated_at = excluded.updated_at`,
			primaryTokenSlot, t.AccessToken, t.RefreshToken, time.Now().UnixMilli())
		return err
	})
}

// LoadTokens returns the backed-up credential pair. A missing backup yields
// empty tokens and no error.
func (db *DB) LoadTokens(ctx context.Context) (model.Tokens, error) {
	var (
		t       model.Tokens
		updated int64
	)
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT access_token, refresh_token, updated_at FROM auth_tokens WHERE slot = ?`, primaryTokenSlot).
			Scan(&t.AccessToken, &t.RefreshToken, &updated)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tokens{}, nil
	}
	if err != nil {
		return model.Tokens{}, err
	}
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

// ClearTokens deletes the credential backup.
func (db *DB) ClearTokens(ctx context.Context) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens`)
		return err
	})
}
