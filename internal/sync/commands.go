package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/tripsafe/internal/guard"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/store"
	"github.com/matheus3301/tripsafe/internal/transport"
)

// TripResult is what a trip command hands back: the trip as it now stands
// locally, and whether the change is still waiting to reach the authority.
type TripResult struct {
	Trip   *model.Trip
	Queued bool
}

// ContactResult is the contact counterpart of TripResult.
type ContactResult struct {
	Contact model.Contact
	Queued  bool
}

// tripCommand describes one mutating trip command.
type tripCommand struct {
	tripID int64
	action outbox.Action
	live   func(ctx context.Context, token string) error
	// applyLive runs after the authority accepted the command.
	applyLive func(t *model.Trip)
	// applyQueued runs when the command was queued instead. Either may be
	// nil when the command has no local effect on the cached row.
	applyQueued func(t *model.Trip)
	event       func() *model.TimelineEvent
	clearEvents bool
}

func (e *Engine) runTripCommand(ctx context.Context, cmd tripCommand) (TripResult, error) {
	key := uuid.NewString()

	// Never let a live call overtake queued changes to the same trip.
	if ahead, err := e.queue.CountForTrip(ctx, cmd.tripID); err != nil {
		e.logger.Warn("count queued actions for trip", zap.Int64("trip_id", cmd.tripID), zap.Error(err))
	} else if ahead > 0 {
		res, err := e.enqueueTrip(ctx, cmd, key)
		if err == nil {
			e.Kick()
		}
		return res, err
	}

	err := e.authorized(ctx, key, cmd.live)
	switch transport.Classify(err) {
	case transport.ClassNone:
		return TripResult{Trip: e.applyTrip(ctx, cmd, cmd.applyLive)}, nil
	case transport.ClassConnectivity:
		e.logger.Info("authority unreachable, queueing",
			zap.String("action_type", string(cmd.action.Type())), zap.Int64("trip_id", cmd.tripID))
		return e.enqueueTrip(ctx, cmd, key)
	case transport.ClassUnauthorized:
		return TripResult{}, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	return TripResult{}, fmt.Errorf("%s trip %d: %w", cmd.action.Type(), cmd.tripID, err)
}

func (e *Engine) enqueueTrip(ctx context.Context, cmd tripCommand, key string) (TripResult, error) {
	_, added, err := e.queue.EnqueueKeyed(ctx, cmd.action, key)
	if err != nil {
		return TripResult{}, fmt.Errorf("queue %s: %w", cmd.action.Type(), err)
	}
	defer e.publishCounts(ctx)
	if !added {
		t, _ := e.cachedTrip(ctx, cmd.tripID)
		return TripResult{Trip: t, Queued: true}, nil
	}
	return TripResult{Trip: e.applyTrip(ctx, cmd, cmd.applyQueued), Queued: true}, nil
}

// applyTrip applies fn to the cached trip and publishes the result. Store
// failures are logged and the change is kept in memory only.
func (e *Engine) applyTrip(ctx context.Context, cmd tripCommand, fn func(t *model.Trip)) *model.Trip {
	if fn == nil {
		return nil
	}
	t, err := e.cachedTrip(ctx, cmd.tripID)
	if err != nil {
		e.logger.Warn("trip not cached, nothing to update locally", zap.Int64("trip_id", cmd.tripID))
		return nil
	}
	fn(t)
	e.commitTrip(ctx, t)
	e.guard.MarkLocalMutation()

	switch {
	case cmd.clearEvents:
		if err := e.db.ClearTimeline(ctx, t.ID); err != nil {
			e.logger.Warn("clear cached timeline", zap.Int64("trip_id", t.ID), zap.Error(err))
		}
	case cmd.event != nil:
		if err := e.db.AppendTimelineEvent(ctx, t.ID, *cmd.event()); err != nil {
			e.logger.Warn("append cached timeline event", zap.Int64("trip_id", t.ID), zap.Error(err))
		}
	}
	return t
}

// cachedTrip reads a trip from the store, falling back to the published
// state when the store cannot answer.
func (e *Engine) cachedTrip(ctx context.Context, id int64) (*model.Trip, error) {
	t, err := e.db.GetTrip(ctx, id)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("read cached trip, using in-memory copy", zap.Int64("trip_id", id), zap.Error(err))
	}
	snap := e.state.Snapshot()
	if snap.ActiveTrip != nil && snap.ActiveTrip.ID == id {
		return snap.ActiveTrip, nil
	}
	for i := range snap.Trips {
		if snap.Trips[i].ID == id {
			return &snap.Trips[i], nil
		}
	}
	return nil, fmt.Errorf("trip %d: %w", id, store.ErrNotFound)
}

// acceptETA reports whether an ETA answered by the authority may replace
// the one held for the trip. An earlier ETA is refused and logged.
func (e *Engine) acceptETA(held *model.Trip, eta time.Time) bool {
	incoming := *held
	incoming.ETA = eta
	if err := guard.CheckETA(held, &incoming); err != nil {
		e.logger.Info("authority eta is earlier than the one held, keeping local eta",
			zap.Int64("trip_id", held.ID), zap.Time("eta", held.ETA), zap.Time("incoming_eta", eta), zap.Error(err))
		return false
	}
	return true
}

// mergeUpdatedTrip returns the authority's answer to an update, keeping the
// held ETA unless the update set one explicitly.
func (e *Engine) mergeUpdatedTrip(held, updated *model.Trip, u model.TripUpdate) *model.Trip {
	merged := *updated
	if held != nil && u.ETA == nil && !e.acceptETA(held, merged.ETA) {
		merged.ETA = held.ETA
	}
	return &merged
}

// commitTrip writes t to the store and the published state.
func (e *Engine) commitTrip(ctx context.Context, t *model.Trip) {
	if err := e.db.SaveTrip(ctx, t); err != nil {
		e.logger.Warn("cache trip failed, keeping change in memory only", zap.Int64("trip_id", t.ID), zap.Error(err))
	}
	e.state.Apply(state.UpsertTrip{Trip: *t})
}

func (e *Engine) dropTrip(ctx context.Context, id int64) {
	if err := e.db.DeleteTrip(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("remove cached trip", zap.Int64("trip_id", id), zap.Error(err))
	}
	e.state.Apply(state.RemoveTrip{ID: id})
	e.guard.MarkLocalMutation()
}

// CreateTrip creates a trip. The authority assigns the id and the action
// tokens, so this command is never queued.
func (e *Engine) CreateTrip(ctx context.Context, in model.NewTrip) (*model.Trip, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("create trip: title is required")
	}
	var created *model.Trip
	err := e.authorized(ctx, uuid.NewString(), func(ctx context.Context, token string) error {
		var err error
		created, err = e.api.CreateTrip(ctx, token, in)
		return err
	})
	switch transport.Classify(err) {
	case transport.ClassNone:
	case transport.ClassConnectivity:
		return nil, fmt.Errorf("create trip: %w: %w", ErrNotQueueable, err)
	case transport.ClassUnauthorized:
		return nil, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	default:
		return nil, fmt.Errorf("create trip: %w", err)
	}
	e.commitTrip(ctx, created)
	if created.Status.Live() {
		e.guard.MarkLocalMutation()
	}
	return created, nil
}

// UpdateTrip edits a trip's user-facing fields.
func (e *Engine) UpdateTrip(ctx context.Context, id int64, u model.TripUpdate) (TripResult, error) {
	if u.Empty() {
		return TripResult{}, fmt.Errorf("update trip %d: nothing to change", id)
	}
	var updated *model.Trip
	return e.runTripCommand(ctx, tripCommand{
		tripID: id,
		action: outbox.UpdateTrip{TripID: id, Update: u},
		live: func(ctx context.Context, token string) error {
			var err error
			updated, err = e.api.UpdateTrip(ctx, token, id, u)
			return err
		},
		applyLive: func(t *model.Trip) { *t = *e.mergeUpdatedTrip(t, updated, u) },
		applyQueued: func(t *model.Trip) {
			u.ApplyTo(t)
			if u.ActivityID != nil && t.Activity.Placeholder {
				if a, err := e.db.GetActivity(ctx, *u.ActivityID); err == nil {
					t.Activity = *a
				}
			}
		},
	})
}

// DeleteTrip removes a trip. The returned bool reports whether the delete
// is still waiting to reach the authority.
func (e *Engine) DeleteTrip(ctx context.Context, id int64) (bool, error) {
	res, err := e.runTripCommand(ctx, tripCommand{
		tripID: id,
		action: outbox.DeleteTrip{TripID: id},
		live: func(ctx context.Context, token string) error {
			err := e.api.DeleteTrip(ctx, token, id)
			if transport.IsNotFound(err) {
				return nil
			}
			return err
		},
	})
	if err != nil {
		return false, err
	}
	e.dropTrip(ctx, id)
	return res.Queued, nil
}

// StartTrip moves a planned trip to active.
func (e *Engine) StartTrip(ctx context.Context, id int64) (TripResult, error) {
	start := func(t *model.Trip) { t.Status = model.TripActive }
	return e.runTripCommand(ctx, tripCommand{
		tripID: id,
		action: outbox.StartTrip{TripID: id},
		live: func(ctx context.Context, token string) error {
			return e.api.StartTrip(ctx, token, id)
		},
		applyLive:   start,
		applyQueued: start,
		event: func() *model.TimelineEvent {
			return &model.TimelineEvent{Kind: model.EventStarted, At: e.now()}
		},
	})
}

// CheckIn records that the user is safe. loc may be nil.
func (e *Engine) CheckIn(ctx context.Context, id int64, loc *model.Coordinate) (TripResult, error) {
	at := e.now()
	checkIn := func(t *model.Trip) { t.LastCheckinAt = &at }
	return e.runTripCommand(ctx, tripCommand{
		tripID: id,
		action: outbox.CheckIn{TripID: id, At: at, Location: loc},
		live: func(ctx context.Context, token string) error {
			return e.api.CheckIn(ctx, token, id, transport.CheckInRequest{At: at, Location: loc})
		},
		applyLive:   checkIn,
		applyQueued: checkIn,
		event: func() *model.TimelineEvent {
			return &model.TimelineEvent{Kind: model.EventCheckin, At: at, Location: loc}
		},
	})
}

// Extend pushes a trip's ETA forward by minutes. Background refreshes of
// the active trip are refused until the call completes and settles.
func (e *Engine) Extend(ctx context.Context, id int64, minutes int) (TripResult, error) {
	if minutes <= 0 {
		return TripResult{}, fmt.Errorf("extend trip %d: minutes must be positive", id)
	}
	release := e.guard.BeginExtension()
	defer release()

	var newETA time.Time
	return e.runTripCommand(ctx, tripCommand{
		tripID: id,
		action: outbox.Extend{TripID: id, Minutes: minutes},
		live: func(ctx context.Context, token string) error {
			var err error
			newETA, err = e.api.Extend(ctx, token, id, minutes)
			return err
		},
		applyLive: func(t *model.Trip) {
			if e.acceptETA(t, newETA) {
				t.ETA = newETA
			}
			t.Status = model.TripActive
		},
		applyQueued: func(t *model.Trip) {
			t.ETA = t.ETA.Add(time.Duration(minutes) * time.Minute)
			if t.Status.Live() {
				t.Status = model.TripActive
			}
		},
		event: func() *model.TimelineEvent {
			return &model.TimelineEvent{Kind: model.EventExtended, At: e.now(), ExtendedBy: &minutes}
		},
	})
}

// CompleteTrip ends a trip and drops its cached timeline.
func (e *Engine) CompleteTrip(ctx context.Context, id int64) (TripResult, error) {
	at := e.now()
	complete := func(t *model.Trip) {
		t.Status = model.TripCompleted
		t.CompletedAt = &at
	}
	return e.runTripCommand(ctx, tripCommand{
		tripID: id,
		action: outbox.CompleteTrip{TripID: id, At: at},
		live: func(ctx context.Context, token string) error {
			return e.api.CompleteTrip(ctx, token, id, at)
		},
		applyLive:   complete,
		applyQueued: complete,
		clearEvents: true,
	})
}

func validContact(name, email string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("contact name is required")
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid contact email %q", email)
	}
	return nil
}

func (e *Engine) commitContact(ctx context.Context, c model.Contact) {
	if err := e.db.SaveContact(ctx, &c); err != nil {
		e.logger.Warn("cache contact failed, keeping change in memory only", zap.Int64("contact_id", c.ID), zap.Error(err))
	}
	e.state.Apply(state.UpsertContact{Contact: c})
}

// AddContact creates a contact. Offline, the contact is stored under a
// temporary negative id until the authority confirms it.
func (e *Engine) AddContact(ctx context.Context, name, email, group string) (ContactResult, error) {
	if err := validContact(name, email); err != nil {
		return ContactResult{}, err
	}
	key := uuid.NewString()
	var created *model.Contact
	err := e.authorized(ctx, key, func(ctx context.Context, token string) error {
		var err error
		created, err = e.api.CreateContact(ctx, token, transport.ContactRequest{Name: name, Email: email, Group: group})
		return err
	})
	switch transport.Classify(err) {
	case transport.ClassNone:
		e.commitContact(ctx, *created)
		return ContactResult{Contact: *created}, nil
	case transport.ClassConnectivity:
	case transport.ClassUnauthorized:
		return ContactResult{}, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	default:
		return ContactResult{}, fmt.Errorf("add contact: %w", err)
	}

	tempID, err := e.db.NextTemporaryContactID(ctx)
	if err != nil {
		return ContactResult{}, fmt.Errorf("allocate temporary contact id: %w", err)
	}
	if _, _, err := e.queue.EnqueueKeyed(ctx, outbox.AddContact{TempID: tempID, Name: name, Email: email, Group: group}, key); err != nil {
		return ContactResult{}, fmt.Errorf("queue add contact: %w", err)
	}
	c := model.Contact{ID: tempID, Name: name, Email: email, Group: group}
	e.commitContact(ctx, c)
	e.publishCounts(ctx)
	return ContactResult{Contact: c, Queued: true}, nil
}

// UpdateContact replaces a contact's fields.
func (e *Engine) UpdateContact(ctx context.Context, id int64, name, email, group string) (ContactResult, error) {
	if err := validContact(name, email); err != nil {
		return ContactResult{}, err
	}
	action := outbox.UpdateContact{ContactID: id, Name: name, Email: email, Group: group}
	key := uuid.NewString()

	// A temporary contact does not exist remotely yet; the edit replays
	// after its add.
	if id > 0 {
		var updated *model.Contact
		err := e.authorized(ctx, key, func(ctx context.Context, token string) error {
			var err error
			updated, err = e.api.UpdateContact(ctx, token, id, transport.ContactRequest{Name: name, Email: email, Group: group})
			return err
		})
		switch transport.Classify(err) {
		case transport.ClassNone:
			e.commitContact(ctx, *updated)
			return ContactResult{Contact: *updated}, nil
		case transport.ClassConnectivity:
		case transport.ClassUnauthorized:
			return ContactResult{}, fmt.Errorf("%w: %w", ErrReauthRequired, err)
		default:
			return ContactResult{}, fmt.Errorf("update contact %d: %w", id, err)
		}
	}

	if _, _, err := e.queue.EnqueueKeyed(ctx, action, key); err != nil {
		return ContactResult{}, fmt.Errorf("queue update contact: %w", err)
	}
	c := model.Contact{ID: id, Name: name, Email: email, Group: group}
	if cached, err := e.db.GetContact(ctx, id); err == nil {
		c.UserID = cached.UserID
	}
	e.commitContact(ctx, c)
	e.publishCounts(ctx)
	return ContactResult{Contact: c, Queued: true}, nil
}

// DeleteContact removes a contact. Deleting a contact that never reached
// the authority cancels its queued changes instead of queueing a delete.
func (e *Engine) DeleteContact(ctx context.Context, id int64) (bool, error) {
	queued := false
	if id < 0 {
		n, err := e.queue.CancelContact(ctx, id)
		if err != nil {
			return false, fmt.Errorf("cancel queued contact %d: %w", id, err)
		}
		e.logger.Info("cancelled unsynced contact", zap.Int64("contact_id", id), zap.Int("actions", n))
	} else {
		key := uuid.NewString()
		err := e.authorized(ctx, key, func(ctx context.Context, token string) error {
			err := e.api.DeleteContact(ctx, token, id)
			if transport.IsNotFound(err) {
				return nil
			}
			return err
		})
		switch transport.Classify(err) {
		case transport.ClassNone:
		case transport.ClassConnectivity:
			if _, _, err := e.queue.EnqueueKeyed(ctx, outbox.DeleteContact{ContactID: id}, key); err != nil {
				return false, fmt.Errorf("queue delete contact: %w", err)
			}
			queued = true
		case transport.ClassUnauthorized:
			return false, fmt.Errorf("%w: %w", ErrReauthRequired, err)
		default:
			return false, fmt.Errorf("delete contact %d: %w", id, err)
		}
	}

	if err := e.db.DeleteContact(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("remove cached contact", zap.Int64("contact_id", id), zap.Error(err))
	}
	e.state.Apply(state.RemoveContact{ID: id})
	e.publishCounts(ctx)
	return queued, nil
}
