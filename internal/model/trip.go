// Package model holds the domain types shared by the store, the transport
// and the reconciler.
package model

import "time"

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripPlanned         TripStatus = "planned"
	TripActive          TripStatus = "active"
	TripOverdue         TripStatus = "overdue"
	TripOverdueNotified TripStatus = "overdue_notified"
	TripCompleted       TripStatus = "completed"
)

// Live reports whether the trip counts as the user's active trip.
func (s TripStatus) Live() bool {
	switch s {
	case TripActive, TripOverdue, TripOverdueNotified:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TripStatus) Valid() bool {
	switch s {
	case TripPlanned, TripActive, TripOverdue, TripOverdueNotified, TripCompleted:
		return true
	}
	return false
}

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Trip is a planned activity with an expected return time.
type Trip struct {
	ID            int64       `json:"id"`
	UserID        int64       `json:"user_id"`
	Title         string      `json:"title"`
	Activity      Activity    `json:"activity"`
	StartAt       time.Time   `json:"start"`
	ETA           time.Time   `json:"eta"`
	GraceMinutes  int         `json:"grace_min"`
	LocationText  string      `json:"location_text,omitempty"`
	Location      *Coordinate `json:"location,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	Status        TripStatus  `json:"status"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	LastCheckinAt *time.Time  `json:"last_checkin,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	Contact1      *int64      `json:"contact1,omitempty"`
	Contact2      *int64      `json:"contact2,omitempty"`
	Contact3      *int64      `json:"contact3,omitempty"`
	CheckinToken  string      `json:"checkin_token,omitempty"`
	CheckoutToken string      `json:"checkout_token,omitempty"`
}

// Overdue reports whether the trip is past its ETA plus grace period at now.
func (t *Trip) Overdue(now time.Time) bool {
	return t.Status.Live() && now.After(t.ETA.Add(time.Duration(t.GraceMinutes)*time.Minute))
}

// NewTrip is the input for creating a trip on the remote authority.
type NewTrip struct {
	Title        string      `json:"title"`
	ActivityID   int64       `json:"activity_id"`
	StartAt      time.Time   `json:"start"`
	ETA          time.Time   `json:"eta"`
	GraceMinutes int         `json:"grace_min"`
	LocationText string      `json:"location_text,omitempty"`
	Location     *Coordinate `json:"location,omitempty"`
	Notes        string      `json:"notes,omitempty"`
	Contact1     *int64      `json:"contact1,omitempty"`
	Contact2     *int64      `json:"contact2,omitempty"`
	Contact3     *int64      `json:"contact3,omitempty"`
}

// TripUpdate is a partial update of a trip's user-editable fields. Nil
// fields are left untouched.
type TripUpdate struct {
	Title        *string    `json:"title,omitempty"`
	ActivityID   *int64     `json:"activity_id,omitempty"`
	StartAt      *time.Time `json:"start,omitempty"`
	ETA          *time.Time `json:"eta,omitempty"`
	GraceMinutes *int       `json:"grace_min,omitempty"`
	LocationText *string    `json:"location_text,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
}

// Empty reports whether the update carries no field.
func (u TripUpdate) Empty() bool {
	return u.Title == nil && u.ActivityID == nil && u.StartAt == nil && u.ETA == nil &&
		u.GraceMinutes == nil && u.LocationText == nil && u.Notes == nil
}

// ApplyTo copies the set fields onto t. Activity is only re-pointed by id;
// callers resolve the full activity row.
func (u TripUpdate) ApplyTo(t *Trip) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.ActivityID != nil && *u.ActivityID != t.Activity.ID {
		t.Activity = PlaceholderActivity(*u.ActivityID)
	}
	if u.StartAt != nil {
		t.StartAt = *u.StartAt
	}
	if u.ETA != nil {
		t.ETA = *u.ETA
	}
	if u.GraceMinutes != nil {
		t.GraceMinutes = *u.GraceMinutes
	}
	if u.LocationText != nil {
		t.LocationText = *u.LocationText
	}
	if u.Notes != nil {
		t.Notes = *u.Notes
	}
}

// TimelineEvent is one entry of a trip's check-in history.
type TimelineEvent struct {
	Kind       string      `json:"kind"`
	At         time.Time   `json:"at"`
	Location   *Coordinate `json:"location,omitempty"`
	ExtendedBy *int        `json:"extended_by,omitempty"`
}

// Timeline event kinds.
const (
	EventCheckin  = "checkin"
	EventExtended = "extended"
	EventOverdue  = "overdue"
	EventStarted  = "started"
)
