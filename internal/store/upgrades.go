package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/tripsafe/internal/migration"
)

// Upgrades lists the in-place schema upgrades applied on top of the
// baseline DDL. Fresh databases already have every target shape, so each
// step checks the live schema first.
func Upgrades() []migration.Migration {
	return []migration.Migration{
		{
			Version:     1,
			Description: "add single-use action tokens to trips",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				if err := migration.AddColumnIfMissing(ctx, tx, "trips", "checkin_token", "TEXT NOT NULL DEFAULT ''"); err != nil {
					return err
				}
				return migration.AddColumnIfMissing(ctx, tx, "trips", "checkout_token", "TEXT NOT NULL DEFAULT ''")
			},
		},
		{
			Version:     2,
			Description: "add idempotency keys to pending actions",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				if err := migration.AddColumnIfMissing(ctx, tx, "pending_actions", "idempotency_key", "TEXT NOT NULL DEFAULT ''"); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE pending_actions SET idempotency_key = lower(hex(randomblob(16)))
					WHERE idempotency_key = ''`); err != nil {
					return fmt.Errorf("backfill idempotency keys: %w", err)
				}
				return nil
			},
		},
		{
			Version:     3,
			Description: "index timeline events by trip",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `
					CREATE INDEX IF NOT EXISTS idx_timeline_events_trip ON timeline_events(trip_id, at)`)
				return err
			},
		},
	}
}
