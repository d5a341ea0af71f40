package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertPendingAction appends a to the queue. When unique is set and an
// action of the same type for the same trip is already queued, nothing is
// written and the existing id is returned with inserted=false. The check
// and the insert share one transaction.
func (db *DB) InsertPendingAction(ctx context.Context, a PendingAction, unique bool) (id int64, inserted bool, err error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("encode payload: %w", err)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	err = db.Update(ctx, func(tx *sql.Tx) error {
		if unique {
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM pending_actions WHERE action_type = ? AND trip_id IS ?
				ORDER BY id LIMIT 1`, a.Type, nullID(a.TripID)).Scan(&id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check duplicate: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pending_actions (action_type, trip_id, payload, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			a.Type, nullID(a.TripID), string(payload), a.IdempotencyKey, created.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert pending action: %w", err)
		}
		id, err = res.LastInsertId()
		inserted = err == nil
		return err
	})
	return id, inserted, err
}

// ListPendingActions returns queued actions in insertion order.
func (db *DB) ListPendingActions(ctx context.Context) ([]PendingAction, error) {
	var actions []PendingAction
	err := db.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, action_type, trip_id, payload, idempotency_key, created_at
			FROM pending_actions ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				a       PendingAction
				tripID  sql.NullInt64
				payload string
				created int64
			)
			if err := rows.Scan(&a.ID, &a.Type, &tripID, &payload, &a.IdempotencyKey, &created); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
				return fmt.Errorf("decode payload of action %d: %w", a.ID, err)
			}
			a.TripID = idPtr(tripID)
			a.CreatedAt = fromMillis(created)
			actions = append(actions, a)
		}
		return rows.Err()
	})
	return actions, err
}

// UpdatePendingPayload rewrites the payload of a queued action in place,
// keeping its position in the queue.
func (db *DB) UpdatePendingPayload(ctx context.Context, id int64, payload map[string]string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE pending_actions SET payload = ? WHERE id = ?`, string(encoded), id)
		return err
	})
}

// DeletePendingAction removes a queued action.
func (db *DB) DeletePendingAction(ctx context.Context, id int64) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
		return err
	})
}

// CountPendingActions returns the queue length.
func (db *DB) CountPendingActions(ctx context.Context) (int, error) {
	var n int
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n)
	})
	return n, err
}

// CountPendingForTrip returns how many queued actions target tripID.
func (db *DB) CountPendingForTrip(ctx context.Context, tripID int64) (int, error) {
	var n int
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions WHERE trip_id = ?`, tripID).Scan(&n)
	})
	return n, err
}

// InsertFailedAction records a permanently failed action.
func (db *DB) InsertFailedAction(ctx context.Context, f FailedAction) error {
	failedAt := f.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO failed_actions (action_type, trip_id, error, failed_at) VALUES (?, ?, ?, ?)`,
			f.Type, nullID(f.TripID), f.Error, failedAt.UnixMilli())
		return err
	})
}

// ListFailedActions returns failed actions, most recent first.
func (db *DB) ListFailedActions(ctx context.Context) ([]FailedAction, error) {
	var failed []FailedAction
	err := db.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, action_type, trip_id, error, failed_at
			FROM failed_actions ORDER BY failed_at DESC, id DESC`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				f      FailedAction
				tripID sql.NullInt64
				at     int64
			)
			if err := rows.Scan(&f.ID, &f.Type, &tripID, &f.Error, &at); err != nil {
				return err
			}
			f.TripID = idPtr(tripID)
			f.FailedAt = fromMillis(at)
			failed = append(failed, f)
		}
		return rows.Err()
	})
	return failed, err
}

// ClearFailedActions empties the failed actions list.
func (db *DB) ClearFailedActions(ctx context.Context) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM failed_actions`)
		return err
	})
}

// CountFailedActions returns the number of failed actions.
func (db *DB) CountFailedActions(ctx context.Context) (int, error) {
	var n int
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_actions`).Scan(&n)
	})
	return n, err
}
