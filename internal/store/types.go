package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
)

// TripFields is a partial update of a cached trip row. Nil fields are left
// untouched.
type TripFields struct {
	model.TripUpdate
	Status        *model.TripStatus
	LastCheckinAt *time.Time
	CompletedAt   *time.Time
}

// PendingAction is a queued mutation as stored on disk. Payload is the
// generic key/value form of a typed outbox action.
type PendingAction struct {
	ID             int64
	Type           string
	TripID         *int64
	Payload        map[string]string
	IdempotencyKey string
	CreatedAt      time.Time
}

// FailedAction records a queued mutation that can never succeed.
type FailedAction struct {
	ID       int64
	Type     string
	TripID   *int64
	Error    string
	FailedAt time.Time
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
