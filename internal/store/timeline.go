package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/tripsafe/internal/model"
)

// ReplaceTimeline swaps the cached timeline of a trip.
func (db *DB) ReplaceTimeline(ctx context.Context, tripID int64, events []model.TimelineEvent) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		return withSavepoint(tx, "replace_timeline", func() error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_events WHERE trip_id = ?`, tripID); err != nil {
				return fmt.Errorf("clear timeline %d: %w", tripID, err)
			}
			for _, e := range events {
				if err := insertTimelineEvent(ctx, tx, tripID, e); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// AppendTimelineEvent adds a single locally observed event.
func (db *DB) AppendTimelineEvent(ctx context.Context, tripID int64, e model.TimelineEvent) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		return insertTimelineEvent(ctx, tx, tripID, e)
	})
}

func insertTimelineEvent(ctx context.Context, tx *sql.Tx, tripID int64, e model.TimelineEvent) error {
	var (
		lat, lng sql.NullFloat64
		ext      sql.NullInt64
	)
	if e.Location != nil {
		lat = sql.NullFloat64{Float64: e.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: e.Location.Lng, Valid: true}
	}
	if e.ExtendedBy != nil {
		ext = sql.NullInt64{Int64: int64(*e.ExtendedBy), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO timeline_events (trip_id, kind, at, lat, lng, extended_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tripID, e.Kind, millis(e.At), lat, lng, ext); err != nil {
		return fmt.Errorf("insert timeline event for trip %d: %w", tripID, err)
	}
	return nil
}

// ListTimeline returns a trip's cached events, oldest first.
func (db *DB) ListTimeline(ctx context.Context, tripID int64) ([]model.TimelineEvent, error) {
	var events []model.TimelineEvent
	err := db.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT kind, at, lat, lng, extended_by FROM timeline_events
			WHERE trip_id = ? ORDER BY at ASC, id ASC`, tripID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				e        model.TimelineEvent
				at       int64
				lat, lng sql.NullFloat64
				ext      sql.NullInt64
			)
			if err := rows.Scan(&e.Kind, &at, &lat, &lng, &ext); err != nil {
				return err
			}
			e.At = fromMillis(at)
			if lat.Valid && lng.Valid {
				e.Location = &model.Coordinate{Lat: lat.Float64, Lng: lng.Float64}
			}
			if ext.Valid {
				n := int(ext.Int64)
				e.ExtendedBy = &n
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	return events, err
}

// ClearTimeline drops the cached timeline of a trip.
func (db *DB) ClearTimeline(ctx context.Context, tripID int64) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM timeline_events WHERE trip_id = ?`, tripID)
		return err
	})
}
