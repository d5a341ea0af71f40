// Package state holds the published, read-only view of the engine that
// presentation layers observe. Every write goes through State.Apply, which
// mutates the snapshot and then announces each affected field on the bus.
package state

import (
	"slices"
	"sync"

	"github.com/matheus3301/tripsafe/internal/bus"
	"github.com/matheus3301/tripsafe/internal/model"
)

// Snapshot is a consistent copy of the published fields.
type Snapshot struct {
	ActiveTrip   *model.Trip
	Trips        []model.Trip
	Contacts     []model.Contact
	PendingCount int
	FailedCount  int
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Trips:        slices.Clone(s.Trips),
		Contacts:     slices.Clone(s.Contacts),
		PendingCount: s.PendingCount,
		FailedCount:  s.FailedCount,
	}
	if s.ActiveTrip != nil {
		t := *s.ActiveTrip
		out.ActiveTrip = &t
	}
	return out
}

// State is the process-wide published state. It is safe for concurrent use.
type State struct {
	bus *bus.Bus

	mu   sync.RWMutex
	snap Snapshot
}

// New creates an empty state publishing on b. b may be nil.
func New(b *bus.Bus) *State {
	return &State{bus: b}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// ActiveTrip returns a copy of the active trip, or nil.
func (s *State) ActiveTrip() *model.Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.ActiveTrip == nil {
		return nil
	}
	t := *s.snap.ActiveTrip
	return &t
}

// Apply performs changes in order as one step, then publishes one event per
// affected field. It returns the kinds of the events published.
func (s *State) Apply(changes ...Change) []string {
	s.mu.Lock()
	var touched fields
	for _, c := range changes {
		touched |= c.apply(&s.snap)
	}
	snap := s.snap.clone()
	s.mu.Unlock()

	return s.publish(touched, snap)
}

func (s *State) publish(touched fields, snap Snapshot) []string {
	var kinds []string
	emit := func(f fields, kind string, payload any) {
		if touched&f == 0 {
			return
		}
		s.bus.Emit(kind, payload)
		kinds = append(kinds, kind)
	}
	emit(fieldActiveTrip, bus.KindActiveTripChanged, snap.ActiveTrip)
	emit(fieldTrips, bus.KindTripsChanged, snap.Trips)
	emit(fieldContacts, bus.KindContactsChanged, snap.Contacts)
	emit(fieldPending, bus.KindPendingChanged, snap.PendingCount)
	emit(fieldFailed, bus.KindFailedChanged, snap.FailedCount)
	return kinds
}
