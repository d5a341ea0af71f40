package state

import (
	"slices"

	"github.com/matheus3301/tripsafe/internal/model"
)

type fields uint8

const (
	fieldActiveTrip fields = 1 << iota
	fieldTrips
	fieldContacts
	fieldPending
	fieldFailed

	fieldAll = fieldActiveTrip | fieldTrips | fieldContacts | fieldPending | fieldFailed
)

// Change is one state mutation. The implementations in this package are the
// complete set.
type Change interface {
	apply(s *Snapshot) fields
}

// SetActiveTrip replaces the active trip. A nil Trip clears it.
type SetActiveTrip struct {
	Trip *model.Trip
}

func (c SetActiveTrip) apply(s *Snapshot) fields {
	if c.Trip == nil {
		s.ActiveTrip = nil
		return fieldActiveTrip
	}
	t := *c.Trip
	s.ActiveTrip = &t
	touched := fieldActiveTrip
	if i := tripIndex(s.Trips, t.ID); i >= 0 {
		s.Trips[i] = t
		touched |= fieldTrips
	}
	return touched
}

// SetTrips replaces the trip list. The active trip is re-derived from it
// when it is present in the list.
type SetTrips struct {
	Trips []model.Trip
}

func (c SetTrips) apply(s *Snapshot) fields {
	s.Trips = slices.Clone(c.Trips)
	touched := fieldTrips
	if s.ActiveTrip != nil {
		if i := tripIndex(s.Trips, s.ActiveTrip.ID); i >= 0 {
			t := s.Trips[i]
			if t.Status.Live() {
				s.ActiveTrip = &t
			} else {
				s.ActiveTrip = nil
			}
			touched |= fieldActiveTrip
		}
	}
	return touched
}

// UpsertTrip inserts or replaces one trip. It becomes the active trip when it
// is live, and stops being active when it is not.
type UpsertTrip struct {
	Trip model.Trip
}

func (c UpsertTrip) apply(s *Snapshot) fields {
	t := c.Trip
	if i := tripIndex(s.Trips, t.ID); i >= 0 {
		s.Trips[i] = t
	} else {
		s.Trips = append([]model.Trip{t}, s.Trips...)
	}
	touched := fieldTrips
	switch {
	case t.Status.Live():
		s.ActiveTrip = &t
		touched |= fieldActiveTrip
	case s.ActiveTrip != nil && s.ActiveTrip.ID == t.ID:
		s.ActiveTrip = nil
		touched |= fieldActiveTrip
	}
	return touched
}

// RemoveTrip drops a trip.
type RemoveTrip struct {
	ID int64
}

func (c RemoveTrip) apply(s *Snapshot) fields {
	var touched fields
	if i := tripIndex(s.Trips, c.ID); i >= 0 {
		s.Trips = slices.Delete(s.Trips, i, i+1)
		touched |= fieldTrips
	}
	if s.ActiveTrip != nil && s.ActiveTrip.ID == c.ID {
		s.ActiveTrip = nil
		touched |= fieldActiveTrip
	}
	return touched
}

// SetContacts replaces the contact list.
type SetContacts struct {
	Contacts []model.Contact
}

func (c SetContacts) apply(s *Snapshot) fields {
	s.Contacts = slices.Clone(c.Contacts)
	return fieldContacts
}

// UpsertContact inserts or replaces a contact. When ReplacesID is set the
// contact stored under that id is replaced instead, which is how a
// temporary contact is swapped for its confirmed copy.
type UpsertContact struct {
	Contact    model.Contact
	ReplacesID int64
}

func (c UpsertContact) apply(s *Snapshot) fields {
	id := c.Contact.ID
	if c.ReplacesID != 0 {
		id = c.ReplacesID
	}
	if i := contactIndex(s.Contacts, id); i >= 0 {
		s.Contacts[i] = c.Contact
	} else {
		s.Contacts = append(s.Contacts, c.Contact)
	}
	return fieldContacts
}

// RemoveContact drops a contact.
type RemoveContact struct {
	ID int64
}

func (c RemoveContact) apply(s *Snapshot) fields {
	i := contactIndex(s.Contacts, c.ID)
	if i < 0 {
		return 0
	}
	s.Contacts = slices.Delete(s.Contacts, i, i+1)
	return fieldContacts
}

// SetCounts publishes the queue and failed-action counts.
type SetCounts struct {
	Pending int
	Failed  int
}

func (c SetCounts) apply(s *Snapshot) fields {
	var touched fields
	if s.PendingCount != c.Pending {
		s.PendingCount = c.Pending
		touched |= fieldPending
	}
	if s.FailedCount != c.Failed {
		s.FailedCount = c.Failed
		touched |= fieldFailed
	}
	return touched
}

// Reset empties every field, as on sign-out.
type Reset struct{}

func (Reset) apply(s *Snapshot) fields {
	*s = Snapshot{}
	return fieldAll
}

func tripIndex(trips []model.Trip, id int64) int {
	return slices.IndexFunc(trips, func(t model.Trip) bool { return t.ID == id })
}

func contactIndex(contacts []model.Contact, id int64) int {
	return slices.IndexFunc(contacts, func(c model.Contact) bool { return c.ID == id })
}
