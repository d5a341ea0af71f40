// Package outbox is the durable queue of mutations made while the remote
// authority was unreachable. Entries are replayed oldest first.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tripsafe/internal/store"
	"go.uber.org/zap"
)

// Entry is a queued action with its storage metadata.
type Entry struct {
	ID             int64
	Action         Action
	IdempotencyKey string
	CreatedAt      time.Time
}

// Queue is the mutation queue backed by the store's pending_actions table.
type Queue struct {
	db     *store.DB
	logger *zap.Logger
}

// New creates a queue over db.
func New(db *store.DB, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, logger: logger}
}

// Enqueue appends a. For idempotent action types an entry already queued
// for the same trip wins and a is dropped; the returned bool reports
// whether a new entry was written.
func (q *Queue) Enqueue(ctx context.Context, a Action) (Entry, bool, error) {
	return q.EnqueueKeyed(ctx, a, "")
}

// EnqueueKeyed is Enqueue with the idempotency key the replay will send.
// Commands pass the key of their failed live attempt so the authority can
// recognize a request that did reach it. An empty key gets a fresh one.
func (q *Queue) EnqueueKeyed(ctx context.Context, a Action, key string) (Entry, bool, error) {
	if key == "" {
		key = uuid.NewString()
	}
	row := store.PendingAction{
		Type:           string(a.Type()),
		Payload:        a.encode(),
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	}
	if tripID, ok := a.Trip(); ok {
		row.TripID = &tripID
	}

	id, inserted, err := q.db.InsertPendingAction(ctx, row, a.Type().Idempotent())
	if err != nil {
		return Entry{}, false, fmt.Errorf("enqueue %s: %w", a.Type(), err)
	}
	if !inserted {
		q.logger.Info("duplicate action dropped",
			zap.String("action_type", string(a.Type())), zap.Int64("existing_id", id))
		return Entry{ID: id, Action: a}, false, nil
	}
	q.logger.Info("action queued", zap.String("action_type", string(a.Type())), zap.Int64("action_id", id))
	return Entry{ID: id, Action: a, IdempotencyKey: row.IdempotencyKey, CreatedAt: row.CreatedAt}, true, nil
}

// Pending returns queued entries in insertion order. Rows that can no
// longer be decoded are moved to the failed actions list so they never
// block the queue.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.ListPendingActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		a, err := Decode(ActionType(row.Type), row.TripID, row.Payload)
		if err != nil {
			q.logger.Error("dropping unreadable action", zap.Int64("action_id", row.ID), zap.Error(err))
			if ferr := q.db.InsertFailedAction(ctx, store.FailedAction{
				Type:   row.Type,
				TripID: row.TripID,
				Error:  "This change could not be read back and was discarded.",
			}); ferr != nil {
				return nil, fmt.Errorf("record unreadable action %d: %w", row.ID, ferr)
			}
			if derr := q.db.DeletePendingAction(ctx, row.ID); derr != nil {
				return nil, fmt.Errorf("drop unreadable action %d: %w", row.ID, derr)
			}
			continue
		}
		entries = append(entries, Entry{
			ID:             row.ID,
			Action:         a,
			IdempotencyKey: row.IdempotencyKey,
			CreatedAt:      row.CreatedAt,
		})
	}
	return entries, nil
}

// Remove deletes an entry.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.db.DeletePendingAction(ctx, id)
}

// Count returns the number of queued entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.db.CountPendingActions(ctx)
}

// CountForTrip returns the number of queued entries targeting tripID.
func (q *Queue) CountForTrip(ctx context.Context, tripID int64) (int, error) {
	return q.db.CountPendingForTrip(ctx, tripID)
}

// RemapContact rewrites queued contact edits that still point at a
// temporary id once the authority has assigned the real one.
func (q *Queue) RemapContact(ctx context.Context, tempID, realID int64) error {
	entries, err := q.Pending(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var replaced Action
		switch a := e.Action.(type) {
		case UpdateContact:
			if a.ContactID == tempID {
				a.ContactID = realID
				replaced = a
			}
		case DeleteContact:
			if a.ContactID == tempID {
				a.ContactID = realID
				replaced = a
			}
		}
		if replaced == nil {
			continue
		}
		if err := q.db.UpdatePendingPayload(ctx, e.ID, replaced.encode()); err != nil {
			return fmt.Errorf("remap action %d: %w", e.ID, err)
		}
	}
	return nil
}

// CancelContact removes every queued action about a contact that was never
// synced. It returns the number of entries removed.
func (q *Queue) CancelContact(ctx context.Context, tempID int64) (int, error) {
	entries, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		match := false
		switch a := e.Action.(type) {
		case AddContact:
			match = a.TempID == tempID
		case UpdateContact:
			match = a.ContactID == tempID
		case DeleteContact:
			match = a.ContactID == tempID
		}
		if !match {
			continue
		}
		if err := q.db.DeletePendingAction(ctx, e.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
