package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
)

const tripColumns = `
	t.id, t.user_id, t.title, t.activity_id, t.start_at, t.eta, t.grace_minutes,
	t.location_text, t.location_lat, t.location_lng, t.notes, t.status,
	t.completed_at, t.last_checkin_at, t.created_at,
	t.contact1, t.contact2, t.contact3, t.checkin_token, t.checkout_token,
	a.id, a.name, a.icon, a.default_grace_minutes,
	a.color_primary, a.color_secondary, a.color_accent,
	a.messages, a.safety_tips, a.sort_order`

// The activity join is LEFT so a trip whose activity row is missing is
// still returned, with a placeholder activity.
const tripSelect = `SELECT ` + tripColumns + `
	FROM trips t
	LEFT JOIN activities a ON a.id = t.activity_id`

const tripUpsert = `
	INSERT INTO trips (id, user_id, title, activity_id, start_at, eta, grace_minutes,
		location_text, location_lat, location_lng, notes, status,
		completed_at, last_checkin_at, created_at,
		contact1, contact2, contact3, checkin_token, checkout_token, cached_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		title = excluded.title,
		activity_id = excluded.activity_id,
		start_at = excluded.start_at,
		eta = excluded.eta,
		grace_minutes = excluded.grace_minutes,
		location_text = excluded.location_text,
		location_lat = excluded.location_lat,
		location_lng = excluded.location_lng,
		notes = excluded.notes,
		status = excluded.status,
		completed_at = excluded.completed_at,
		last_checkin_at = excluded.last_checkin_at,
		created_at = excluded.created_at,
		contact1 = excluded.contact1,
		contact2 = excluded.contact2,
		contact3 = excluded.contact3,
		checkin_token = excluded.checkin_token,
		checkout_token = excluded.checkout_token,
		cached_at = excluded.cached_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (model.Trip, error) {
	var (
		t                       model.Trip
		activityRef             int64
		startAt, eta, createdAt int64
		lat, lng                sql.NullFloat64
		status                  string
		completedAt, checkinAt  sql.NullInt64
		c1, c2, c3              sql.NullInt64
		aID, aGrace, aOrder     sql.NullInt64
		aName, aIcon            sql.NullString
		aPrimary, aSecondary    sql.NullString
		aAccent                 sql.NullString
		aMessages, aTips        sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &activityRef, &startAt, &eta, &t.GraceMinutes,
		&t.LocationText, &lat, &lng, &t.Notes, &status,
		&completedAt, &checkinAt, &createdAt,
		&c1, &c2, &c3, &t.CheckinToken, &t.CheckoutToken,
		&aID, &aName, &aIcon, &aGrace,
		&aPrimary, &aSecondary, &aAccent,
		&aMessages, &aTips, &aOrder,
	); err != nil {
		return model.Trip{}, err
	}

	t.StartAt = fromMillis(startAt)
	t.ETA = fromMillis(eta)
	t.CreatedAt = fromMillis(createdAt)
	t.Status = model.TripStatus(status)
	t.CompletedAt = timePtr(completedAt)
	t.LastCheckinAt = timePtr(checkinAt)
	t.Contact1, t.Contact2, t.Contact3 = idPtr(c1), idPtr(c2), idPtr(c3)
	if lat.Valid && lng.Valid {
		t.Location = &model.Coordinate{Lat: lat.Float64, Lng: lng.Float64}
	}

	if !aID.Valid {
		t.Activity = model.PlaceholderActivity(activityRef)
		return t, nil
	}
	t.Activity = model.Activity{
		ID:                  aID.Int64,
		Name:                aName.String,
		Icon:                aIcon.String,
		DefaultGraceMinutes: int(aGrace.Int64),
		Colors: model.ActivityColors{
			Primary:   aPrimary.String,
			Secondary: aSecondary.String,
			Accent:    aAccent.String,
		},
		SortOrder: int(aOrder.Int64),
	}
	if aMessages.String != "" {
		if err := json.Unmarshal([]byte(aMessages.String), &t.Activity.Messages); err != nil {
			return model.Trip{}, fmt.Errorf("decode activity %d messages: %w", aID.Int64, err)
		}
	}
	if aTips.String != "" {
		if err := json.Unmarshal([]byte(aTips.String), &t.Activity.SafetyTips); err != nil {
			return model.Trip{}, fmt.Errorf("decode activity %d tips: %w", aID.Int64, err)
		}
	}
	return t, nil
}

func insertTrip(ctx context.Context, tx *sql.Tx, t *model.Trip, cachedAt int64) error {
	var lat, lng sql.NullFloat64
	if t.Location != nil {
		lat = sql.NullFloat64{Float64: t.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: t.Location.Lng, Valid: true}
	}
	_, err := tx.ExecContext(ctx, tripUpsert,
		t.ID, t.UserID, t.Title, t.Activity.ID, millis(t.StartAt), millis(t.ETA), t.GraceMinutes,
		t.LocationText, lat, lng, t.Notes, string(t.Status),
		nullMillis(t.CompletedAt), nullMillis(t.LastCheckinAt), millis(t.CreatedAt),
		nullID(t.Contact1), nullID(t.Contact2), nullID(t.Contact3), t.CheckinToken, t.CheckoutToken,
		cachedAt)
	return err
}

// pruneTrips keeps the limit most recently cached trips and drops the
// timeline of any trip it removes.
func (db *DB) pruneTrips(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM trips WHERE id NOT IN (
			SELECT id FROM trips ORDER BY cached_at DESC, start_at DESC, id DESC LIMIT ?
		)`, db.tripCacheLimit); err != nil {
		return fmt.Errorf("prune trips: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM timeline_events WHERE trip_id NOT IN (SELECT id FROM trips)`); err != nil {
		return fmt.Errorf("prune timeline: %w", err)
	}
	return nil
}

// SaveTrip inserts or replaces a single cached trip.
func (db *DB) SaveTrip(ctx context.Context, t *model.Trip) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		if err := insertTrip(ctx, tx, t, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("save trip %d: %w", t.ID, err)
		}
		return db.pruneTrips(ctx, tx)
	})
}

// ReplaceTrips swaps the cached trip list for trips. Either every row is
// written or the previous cache is left untouched.
func (db *DB) ReplaceTrips(ctx context.Context, trips []model.Trip) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		err := withSavepoint(tx, "replace_trips", func() error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM trips`); err != nil {
				return fmt.Errorf("clear trips: %w", err)
			}
			for i := range trips {
				if err := insertTrip(ctx, tx, &trips[i], now); err != nil {
					return fmt.Errorf("insert trip %d: %w", trips[i].ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return db.pruneTrips(ctx, tx)
	})
}

// ListTrips returns every cached trip, newest start first.
func (db *DB) ListTrips(ctx context.Context) ([]model.Trip, error) {
	var trips []model.Trip
	err := db.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, tripSelect+` ORDER BY t.start_at DESC, t.id DESC`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			t, err := scanTrip(rows)
			if err != nil {
				return err
			}
			trips = append(trips, t)
		}
		return rows.Err()
	})
	return trips, err
}

// GetTrip returns the cached trip with the given id or ErrNotFound.
func (db *DB) GetTrip(ctx context.Context, id int64) (*model.Trip, error) {
	var trip *model.Trip
	err := db.View(ctx, func(tx *sql.Tx) error {
		t, err := scanTrip(tx.QueryRowContext(ctx, tripSelect+` WHERE t.id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		trip = &t
		return nil
	})
	return trip, err
}

// ActiveTrip returns the most recently started live trip, or nil.
func (db *DB) ActiveTrip(ctx context.Context) (*model.Trip, error) {
	var trip *model.Trip
	err := db.View(ctx, func(tx *sql.Tx) error {
		t, err := scanTrip(tx.QueryRowContext(ctx, tripSelect+`
			WHERE t.status IN (?, ?, ?)
			ORDER BY t.start_at DESC, t.id DESC
			LIMIT 1`, model.TripActive, model.TripOverdue, model.TripOverdueNotified))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		trip = &t
		return nil
	})
	return trip, err
}

// DeleteTrip removes a trip and its timeline from the cache.
func (db *DB) DeleteTrip(ctx context.Context, id int64) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_events WHERE trip_id = ?`, id); err != nil {
			return fmt.Errorf("delete timeline: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM trips WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete trip: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateTripFields applies a partial update to a cached trip.
func (db *DB) UpdateTripFields(ctx context.Context, id int64, f TripFields) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if f.Title != nil {
		set("title", *f.Title)
	}
	if f.ActivityID != nil {
		set("activity_id", *f.ActivityID)
	}
	if f.StartAt != nil {
		set("start_at", millis(*f.StartAt))
	}
	if f.ETA != nil {
		set("eta", millis(*f.ETA))
	}
	if f.GraceMinutes != nil {
		set("grace_minutes", *f.GraceMinutes)
	}
	if f.LocationText != nil {
		set("location_text", *f.LocationText)
	}
	if f.Notes != nil {
		set("notes", *f.Notes)
	}
	if f.Status != nil {
		set("status", string(*f.Status))
	}
	if f.LastCheckinAt != nil {
		set("last_checkin_at", nullMillis(f.LastCheckinAt))
	}
	if f.CompletedAt != nil {
		set("completed_at", nullMillis(f.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	return db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE trips SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("update trip %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TripCount returns the number of cached trips.
func (db *DB) TripCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips`).Scan(&n)
	})
	return n, err
}
