package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/tripsafe/internal/bus"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/state"
)

func trip(id int64, status model.TripStatus) model.Trip {
	return model.Trip{ID: id, Title: "trip", Status: status, ETA: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
}

func TestApplyPublishesAffectedFields(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("state.", 16)
	defer unsub()
	s := state.New(b)

	kinds := s.Apply(state.UpsertTrip{Trip: trip(7, model.TripActive)})
	assert.Equal(t, []string{bus.KindActiveTripChanged, bus.KindTripsChanged}, kinds)

	evt := <-ch
	require.Equal(t, bus.KindActiveTripChanged, evt.Kind)
	active, ok := evt.Payload.(*model.Trip)
	require.True(t, ok)
	assert.Equal(t, int64(7), active.ID)
	assert.Equal(t, bus.KindTripsChanged, (<-ch).Kind)

	kinds = s.Apply(state.SetCounts{Pending: 0, Failed: 0})
	assert.Empty(t, kinds, "unchanged counts publish nothing")

	kinds = s.Apply(state.SetCounts{Pending: 1})
	assert.Equal(t, []string{bus.KindPendingChanged}, kinds)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := state.New(nil)
	s.Apply(state.UpsertTrip{Trip: trip(7, model.TripActive)})

	snap := s.Snapshot()
	snap.ActiveTrip.Title = "mutated"
	snap.Trips[0].Title = "mutated"

	assert.Equal(t, "trip", s.ActiveTrip().Title)
	assert.Equal(t, "trip", s.Snapshot().Trips[0].Title)
}

func TestCompletingActiveTripClearsIt(t *testing.T) {
	s := state.New(nil)
	s.Apply(state.UpsertTrip{Trip: trip(7, model.TripActive)})

	done := trip(7, model.TripCompleted)
	s.Apply(state.UpsertTrip{Trip: done})

	snap := s.Snapshot()
	assert.Nil(t, snap.ActiveTrip)
	require.Len(t, snap.Trips, 1)
	assert.Equal(t, model.TripCompleted, snap.Trips[0].Status)
}

func TestSetTripsRederivesActiveTrip(t *testing.T) {
	s := state.New(nil)
	s.Apply(state.SetActiveTrip{Trip: ptr(trip(7, model.TripActive))})

	later := trip(7, model.TripActive)
	later.ETA = later.ETA.Add(30 * time.Minute)
	s.Apply(state.SetTrips{Trips: []model.Trip{later, trip(8, model.TripPlanned)}})
	assert.True(t, s.ActiveTrip().ETA.Equal(later.ETA))

	s.Apply(state.RemoveTrip{ID: 7})
	assert.Nil(t, s.ActiveTrip())
	assert.Len(t, s.Snapshot().Trips, 1)
}

func TestContactChanges(t *testing.T) {
	s := state.New(nil)
	s.Apply(state.UpsertContact{Contact: model.Contact{ID: -1, Name: "Ann"}})

	s.Apply(state.UpsertContact{Contact: model.Contact{ID: 501, Name: "Ann"}, ReplacesID: -1})
	contacts := s.Snapshot().Contacts
	require.Len(t, contacts, 1)
	assert.Equal(t, int64(501), contacts[0].ID)

	assert.Empty(t, s.Apply(state.RemoveContact{ID: 999}))
	s.Apply(state.RemoveContact{ID: 501})
	assert.Empty(t, s.Snapshot().Contacts)
}

func TestReset(t *testing.T) {
	s := state.New(nil)
	s.Apply(
		state.UpsertTrip{Trip: trip(7, model.TripActive)},
		state.SetContacts{Contacts: []model.Contact{{ID: 1}}},
		state.SetCounts{Pending: 2, Failed: 1},
	)

	kinds := s.Apply(state.Reset{})
	assert.Len(t, kinds, 5)
	assert.Equal(t, state.Snapshot{}, s.Snapshot())
}

func ptr(t model.Trip) *model.Trip { return &t }
