package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/tripsafe/internal/bus"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/status"
	"github.com/matheus3301/tripsafe/internal/store"
	"github.com/matheus3301/tripsafe/internal/transport"
)

const reauthMessage = "Your session expired. Sign in again, then redo this change."

// DrainReport summarizes one pass over the queue.
type DrainReport struct {
	Attempted int
	Synced    int
	Failed    int
	Deferred  int
	Refetched bool
	// Stopped is the failure class that ended the pass early, if any.
	Stopped transport.Class
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r DrainReport) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("attempted", r.Attempted)
	enc.AddInt("synced", r.Synced)
	enc.AddInt("failed", r.Failed)
	enc.AddInt("deferred", r.Deferred)
	enc.AddBool("refetched", r.Refetched)
	if r.Stopped != transport.ClassNone {
		enc.AddString("stopped", r.Stopped.String())
	}
	return nil
}

// DrainQueue replays queued actions oldest first. Successful and
// permanently failed entries leave the queue; server and connectivity
// failures keep the entry and end the pass so nothing queued later can
// overtake it. A pass that saw an unreadable response ends with a full
// refetch, any other pass that reached the authority with a refresh of
// the active trip.
func (e *Engine) DrainQueue(ctx context.Context) (DrainReport, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	var report DrainReport
	if !e.auth.SignedIn() {
		return report, ErrReauthRequired
	}

	entries, err := e.queue.Pending(ctx)
	if err != nil {
		return report, err
	}
	if e.status.Current() == status.Online {
		e.setStatus(status.Syncing)
	}
	defer func() {
		if e.status.Current() == status.Syncing {
			e.setStatus(status.Online)
		}
	}()

	needsRefetch := false
	var drainErr error
loop:
	for i, entry := range entries {
		report.Attempted++
		log := e.logger.With(zap.Int64("action_id", entry.ID), zap.String("action_type", string(entry.Action.Type())))

		err := e.replay(ctx, entry)
		class := transport.Classify(err)
		switch class {
		case transport.ClassNone:
			report.Synced++
		case transport.ClassUnauthorized:
			log.Warn("action rejected after refresh, dropping", zap.Error(err))
			e.recordFailure(ctx, entry, reauthMessage)
			report.Failed++
		case transport.ClassClient:
			log.Warn("action rejected by authority, dropping", zap.Error(err))
			e.recordFailure(ctx, entry, transport.Message(err))
			report.Failed++
		case transport.ClassDecode:
			log.Warn("unreadable response, assuming applied", zap.Error(err))
			needsRefetch = true
			report.Synced++
		case transport.ClassServer, transport.ClassConnectivity:
			log.Info("action deferred", zap.String("class", class.String()), zap.Error(err))
			report.Deferred = len(entries) - i
			report.Stopped = class
			break loop
		default:
			report.Deferred = len(entries) - i
			report.Stopped = class
			drainErr = fmt.Errorf("replay action %d: %w", entry.ID, err)
			break loop
		}

		if err := e.queue.Remove(ctx, entry.ID); err != nil {
			drainErr = fmt.Errorf("remove action %d: %w", entry.ID, err)
			break
		}
	}

	e.publishCounts(ctx)
	if drainErr != nil {
		return report, drainErr
	}

	if report.Stopped != transport.ClassConnectivity && ctx.Err() == nil {
		if needsRefetch {
			if err := e.FullRefresh(ctx); err != nil {
				e.logger.Warn("refetch after drain failed", zap.Error(err))
			} else {
				report.Refetched = true
			}
		} else if _, err := e.RefreshActiveTrip(ctx); err != nil {
			e.logger.Debug("active trip refresh after drain failed", zap.Error(err))
		}
	}

	e.checkpoint(ctx, store.CheckpointLastDrain)
	e.bus.Emit(bus.KindDrainFinished, report)
	return report, nil
}

func (e *Engine) recordFailure(ctx context.Context, entry outbox.Entry, message string) {
	f := store.FailedAction{Type: string(entry.Action.Type()), Error: message, FailedAt: e.now()}
	if tripID, ok := entry.Action.Trip(); ok {
		f.TripID = &tripID
	}
	if err := e.db.InsertFailedAction(ctx, f); err != nil {
		e.logger.Error("record failed action", zap.Int64("action_id", entry.ID), zap.Error(err))
	}
	e.bus.Emit(bus.KindActionFailed, f)
}

// replay sends one queued action using only what the entry carries, then
// applies the authority's answer locally.
func (e *Engine) replay(ctx context.Context, entry outbox.Entry) error {
	call := func(fn func(ctx context.Context, token string) error) error {
		return e.authorized(ctx, entry.IdempotencyKey, fn)
	}

	switch a := entry.Action.(type) {
	case outbox.CheckIn:
		return call(func(ctx context.Context, token string) error {
			return e.api.CheckIn(ctx, token, a.TripID, transport.CheckInRequest{At: a.At, Location: a.Location})
		})

	case outbox.Extend:
		release := e.guard.BeginExtension()
		defer release()
		var newETA time.Time
		err := call(func(ctx context.Context, token string) error {
			var err error
			newETA, err = e.api.Extend(ctx, token, a.TripID, a.Minutes)
			return err
		})
		if err == nil {
			e.settleExtension(ctx, a.TripID, newETA)
		}
		return err

	case outbox.StartTrip:
		return call(func(ctx context.Context, token string) error {
			return e.api.StartTrip(ctx, token, a.TripID)
		})

	case outbox.CompleteTrip:
		err := call(func(ctx context.Context, token string) error {
			return e.api.CompleteTrip(ctx, token, a.TripID, a.At)
		})
		if err == nil {
			if cerr := e.db.ClearTimeline(ctx, a.TripID); cerr != nil {
				e.logger.Warn("clear cached timeline", zap.Int64("trip_id", a.TripID), zap.Error(cerr))
			}
		}
		return err

	case outbox.UpdateTrip:
		var updated *model.Trip
		err := call(func(ctx context.Context, token string) error {
			var err error
			updated, err = e.api.UpdateTrip(ctx, token, a.TripID, a.Update)
			return err
		})
		if err == nil {
			held, _ := e.cachedTrip(ctx, a.TripID)
			e.commitTrip(ctx, e.mergeUpdatedTrip(held, updated, a.Update))
		}
		return err

	case outbox.DeleteTrip:
		return call(func(ctx context.Context, token string) error {
			err := e.api.DeleteTrip(ctx, token, a.TripID)
			if transport.IsNotFound(err) {
				return nil
			}
			return err
		})

	case outbox.AddContact:
		var created *model.Contact
		err := call(func(ctx context.Context, token string) error {
			var err error
			created, err = e.api.CreateContact(ctx, token, transport.ContactRequest{Name: a.Name, Email: a.Email, Group: a.Group})
			return err
		})
		if err == nil {
			e.confirmContact(ctx, a.TempID, *created)
		}
		return err

	case outbox.UpdateContact:
		var updated *model.Contact
		err := call(func(ctx context.Context, token string) error {
			var err error
			updated, err = e.api.UpdateContact(ctx, token, a.ContactID, transport.ContactRequest{Name: a.Name, Email: a.Email, Group: a.Group})
			return err
		})
		if err == nil {
			e.commitContact(ctx, *updated)
		}
		return err

	case outbox.DeleteContact:
		return call(func(ctx context.Context, token string) error {
			err := e.api.DeleteContact(ctx, token, a.ContactID)
			if transport.IsNotFound(err) {
				return nil
			}
			return err
		})
	}
	return fmt.Errorf("%w: %T", outbox.ErrUnknownAction, entry.Action)
}

// settleExtension stores the ETA the authority answered with in place of
// the optimistic one, unless it is earlier than the ETA held.
func (e *Engine) settleExtension(ctx context.Context, tripID int64, eta time.Time) {
	t, err := e.cachedTrip(ctx, tripID)
	if err != nil {
		return
	}
	if e.acceptETA(t, eta) {
		t.ETA = eta
	}
	t.Status = model.TripActive

	err = e.db.UpdateTripFields(ctx, tripID, store.TripFields{
		TripUpdate: model.TripUpdate{ETA: &t.ETA},
		Status:     &t.Status,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("cache extended eta failed, keeping it in memory only", zap.Int64("trip_id", tripID), zap.Error(err))
	}
	e.state.Apply(state.UpsertTrip{Trip: *t})
}

// confirmContact swaps a temporary contact for the authority's copy and
// points queued edits at the real id.
func (e *Engine) confirmContact(ctx context.Context, tempID int64, c model.Contact) {
	if err := e.db.ReplaceTemporaryContact(ctx, tempID, &c); err != nil {
		e.logger.Warn("replace temporary contact", zap.Int64("contact_id", tempID), zap.Error(err))
	}
	if err := e.queue.RemapContact(ctx, tempID, c.ID); err != nil {
		e.logger.Error("remap queued contact edits", zap.Int64("contact_id", tempID), zap.Error(err))
	}
	e.state.Apply(state.UpsertContact{Contact: c, ReplacesID: tempID})
}
