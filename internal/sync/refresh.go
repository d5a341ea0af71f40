package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/tripsafe/internal/bus"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/store"
)

// RefreshActiveTrip re-requests the active trip. Inside the suppression
// window nothing is fetched; an answer the staleness guard refuses is
// dropped. Either way the trip currently held is returned.
func (e *Engine) RefreshActiveTrip(ctx context.Context) (*model.Trip, error) {
	if e.guard.ShouldSkipRefresh() {
		e.logger.Debug("active trip refresh suppressed after local change")
		return e.state.ActiveTrip(), nil
	}

	var remote *model.Trip
	err := e.authorized(ctx, "", func(ctx context.Context, token string) error {
		var err error
		remote, err = e.api.ActiveTrip(ctx, token)
		return err
	})
	if err != nil {
		return e.state.ActiveTrip(), err
	}
	return e.admitActiveTrip(ctx, remote), nil
}

// admitActiveTrip applies an authoritative copy of the active trip if the
// guard lets it through and returns the trip now held.
func (e *Engine) admitActiveTrip(ctx context.Context, remote *model.Trip) *model.Trip {
	current := e.state.ActiveTrip()
	if err := e.guard.Admit(current, remote); err != nil {
		fields := []zap.Field{zap.Error(err)}
		if remote != nil {
			fields = append(fields, zap.Int64("trip_id", remote.ID), zap.Time("eta", remote.ETA))
		}
		e.logger.Info("stale active trip refresh rejected", fields...)
		return current
	}

	if remote == nil {
		if current != nil {
			e.state.Apply(state.SetActiveTrip{Trip: nil})
		}
		return nil
	}
	e.commitTrip(ctx, remote)
	return remote
}

// FullRefresh refetches every user collection and the reference data and
// replaces the cache with the answers. Collections with queued changes are
// served locally until the queue drains, and the active trip still passes
// the staleness guard.
func (e *Engine) FullRefresh(ctx context.Context) error {
	var (
		trips      []model.Trip
		activities []model.Activity
		contacts   []model.Contact
	)
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(fn func(ctx context.Context, token string) error) {
		g.Go(func() error { return e.authorized(gctx, "", fn) })
	}
	fetch(func(ctx context.Context, token string) (err error) {
		trips, err = e.api.ListTrips(ctx, token)
		return err
	})
	fetch(func(ctx context.Context, token string) (err error) {
		activities, err = e.api.Activities(ctx, token)
		return err
	})
	fetch(func(ctx context.Context, token string) (err error) {
		contacts, err = e.api.Contacts(ctx, token)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("full refresh: %w", err)
	}

	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return err
	}
	tripsDirty, contactsDirty := false, false
	for _, p := range pending {
		if _, ok := p.Action.Trip(); ok {
			tripsDirty = true
		} else {
			contactsDirty = true
		}
	}

	if err := e.db.ReplaceActivities(ctx, activities); err != nil {
		e.logger.Warn("cache activities", zap.Error(err))
	}
	if !tripsDirty {
		e.replaceTrips(ctx, trips)
	}
	if !contactsDirty {
		e.replaceContacts(ctx, contacts)
	}

	e.checkpoint(ctx, store.CheckpointLastFullRefresh)
	e.bus.Emit(bus.KindRefetched, nil)
	return nil
}

func (e *Engine) replaceTrips(ctx context.Context, trips []model.Trip) {
	snap := e.state.Snapshot()
	held := make(map[int64]model.Trip, len(snap.Trips))
	for _, t := range snap.Trips {
		held[t.ID] = t
	}
	current := snap.ActiveTrip
	for i := range trips {
		if current != nil && trips[i].ID == current.ID {
			if err := e.guard.Admit(current, &trips[i]); err != nil {
				e.logger.Info("keeping local active trip over refetched copy", zap.Int64("trip_id", current.ID), zap.Error(err))
				trips[i] = *current
			}
			continue
		}
		if h, ok := held[trips[i].ID]; ok && !e.acceptETA(&h, trips[i].ETA) {
			trips[i] = h
		}
	}
	if err := e.db.ReplaceTrips(ctx, trips); err != nil {
		e.logger.Warn("cache trips failed, keeping them in memory only", zap.Error(err))
	}

	var active *model.Trip
	for i := range trips {
		if trips[i].Status.Live() && (active == nil || trips[i].StartAt.After(active.StartAt)) {
			active = &trips[i]
		}
	}
	e.state.Apply(state.SetTrips{Trips: trips}, state.SetActiveTrip{Trip: active})
}

func (e *Engine) replaceContacts(ctx context.Context, contacts []model.Contact) {
	if err := e.db.ReplaceContacts(ctx, contacts); err != nil {
		e.logger.Warn("cache contacts failed, keeping them in memory only", zap.Error(err))
	}
	e.state.Apply(state.SetContacts{Contacts: contacts})
}

// hasPending reports whether any queued action is waiting. Errors count
// as pending so a failed read never clobbers optimistic rows.
func (e *Engine) hasPending(ctx context.Context) bool {
	n, err := e.queue.Count(ctx)
	return err != nil || n > 0
}

// LoadTrips returns the user's trips, from the authority when it is
// reachable and nothing is queued, otherwise from the cache.
func (e *Engine) LoadTrips(ctx context.Context) ([]model.Trip, error) {
	if !e.hasPending(ctx) {
		var trips []model.Trip
		err := e.authorized(ctx, "", func(ctx context.Context, token string) (err error) {
			trips, err = e.api.ListTrips(ctx, token)
			return err
		})
		if err == nil {
			e.replaceTrips(ctx, trips)
			return e.state.Snapshot().Trips, nil
		}
		e.logger.Debug("serving cached trips", zap.Error(err))
	}
	return e.cachedTrips(ctx)
}

func (e *Engine) cachedTrips(ctx context.Context) ([]model.Trip, error) {
	trips, err := e.db.ListTrips(ctx)
	if err != nil {
		e.logger.Warn("read cached trips, using in-memory copy", zap.Error(err))
		return e.state.Snapshot().Trips, nil
	}
	return trips, nil
}

// LoadActiveTrip returns the active trip, refreshed through the staleness
// guard when possible.
func (e *Engine) LoadActiveTrip(ctx context.Context) (*model.Trip, error) {
	if !e.hasPending(ctx) {
		if t, err := e.RefreshActiveTrip(ctx); err == nil {
			return t, nil
		}
	}
	return e.state.ActiveTrip(), nil
}

// LoadContacts returns the user's contacts.
func (e *Engine) LoadContacts(ctx context.Context) ([]model.Contact, error) {
	if !e.hasPending(ctx) {
		var contacts []model.Contact
		err := e.authorized(ctx, "", func(ctx context.Context, token string) (err error) {
			contacts, err = e.api.Contacts(ctx, token)
			return err
		})
		if err == nil {
			e.replaceContacts(ctx, contacts)
			return contacts, nil
		}
		e.logger.Debug("serving cached contacts", zap.Error(err))
	}
	contacts, err := e.db.ListContacts(ctx)
	if err != nil {
		e.logger.Warn("read cached contacts, using in-memory copy", zap.Error(err))
		return e.state.Snapshot().Contacts, nil
	}
	return contacts, nil
}

// LoadActivities returns the activity reference data.
func (e *Engine) LoadActivities(ctx context.Context) ([]model.Activity, error) {
	var activities []model.Activity
	err := e.authorized(ctx, "", func(ctx context.Context, token string) (err error) {
		activities, err = e.api.Activities(ctx, token)
		return err
	})
	if err == nil {
		if err := e.db.ReplaceActivities(ctx, activities); err != nil {
			e.logger.Warn("cache activities", zap.Error(err))
		}
		return activities, nil
	}
	e.logger.Debug("serving cached activities", zap.Error(err))
	return e.db.ListActivities(ctx)
}

// LoadTimeline returns a trip's event history.
func (e *Engine) LoadTimeline(ctx context.Context, tripID int64) ([]model.TimelineEvent, error) {
	if n, err := e.queue.CountForTrip(ctx, tripID); err == nil && n == 0 {
		var events []model.TimelineEvent
		err := e.authorized(ctx, "", func(ctx context.Context, token string) (err error) {
			events, err = e.api.Timeline(ctx, token, tripID)
			return err
		})
		if err == nil {
			if err := e.db.ReplaceTimeline(ctx, tripID, events); err != nil {
				e.logger.Warn("cache timeline", zap.Int64("trip_id", tripID), zap.Error(err))
			}
			return events, nil
		}
		e.logger.Debug("serving cached timeline", zap.Int64("trip_id", tripID), zap.Error(err))
	}
	return e.db.ListTimeline(ctx, tripID)
}

// Pending returns the queued actions, oldest first.
func (e *Engine) Pending(ctx context.Context) ([]outbox.Entry, error) {
	return e.queue.Pending(ctx)
}

// FailedActions returns the permanently failed actions, newest first.
func (e *Engine) FailedActions(ctx context.Context) ([]store.FailedAction, error) {
	return e.db.ListFailedActions(ctx)
}

// ClearFailedActions dismisses every failed action.
func (e *Engine) ClearFailedActions(ctx context.Context) error {
	if err := e.db.ClearFailedActions(ctx); err != nil {
		return err
	}
	e.publishCounts(ctx)
	return nil
}

// Checkpoint returns when the given sync checkpoint was last recorded.
func (e *Engine) Checkpoint(ctx context.Context, key string) (time.Time, bool) {
	v, err := e.db.Checkpoint(ctx, key)
	if err != nil {
		e.logger.Warn("read checkpoint", zap.String("key", key), zap.Error(err))
		return time.Time{}, false
	}
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (e *Engine) checkpoint(ctx context.Context, key string) {
	if err := e.db.SetCheckpoint(ctx, key, e.now().Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("record checkpoint", zap.String("key", key), zap.Error(err))
	}
}
