package outbox

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
)

// ActionType tags a queued action.
type ActionType string

const (
	ActionCheckIn       ActionType = "check_in"
	ActionExtend        ActionType = "extend"
	ActionStartTrip     ActionType = "start_trip"
	ActionCompleteTrip  ActionType = "complete_trip"
	ActionUpdateTrip    ActionType = "update_trip"
	ActionDeleteTrip    ActionType = "delete_trip"
	ActionAddContact    ActionType = "add_contact"
	ActionUpdateContact ActionType = "update_contact"
	ActionDeleteContact ActionType = "delete_contact"
)

// Idempotent reports whether queuing the action twice for the same trip has
// no additional effect on the server, so a second copy can be dropped.
func (t ActionType) Idempotent() bool {
	return t == ActionCheckIn || t == ActionExtend
}

// ErrUnknownAction is returned when decoding a payload with an unknown tag.
var ErrUnknownAction = errors.New("unknown action type")

// Action is a user intent waiting to be replayed against the remote
// authority. The implementations in this package are the complete set.
type Action interface {
	Type() ActionType
	// Trip returns the trip the action targets, if any.
	Trip() (int64, bool)
	encode() map[string]string
}

// CheckIn records that the user is safe.
type CheckIn struct {
	TripID   int64
	At       time.Time
	Location *model.Coordinate
}

// Extend pushes a trip's ETA forward.
type Extend struct {
	TripID  int64
	Minutes int
}

// StartTrip moves a planned trip to active.
type StartTrip struct {
	TripID int64
}

// CompleteTrip ends a trip.
type CompleteTrip struct {
	TripID int64
	At     time.Time
}

// UpdateTrip edits user-facing trip fields.
type UpdateTrip struct {
	TripID int64
	Update model.TripUpdate
}

// DeleteTrip removes a trip.
type DeleteTrip struct {
	TripID int64
}

// AddContact creates a contact that currently exists locally under TempID.
type AddContact struct {
	TempID int64
	Name   string
	Email  string
	Group  string
}

// UpdateContact edits a contact.
type UpdateContact struct {
	ContactID int64
	Name      string
	Email     string
	Group     string
}

// DeleteContact removes a contact.
type DeleteContact struct {
	ContactID int64
}

func (CheckIn) Type() ActionType       { return ActionCheckIn }
func (Extend) Type() ActionType        { return ActionExtend }
func (StartTrip) Type() ActionType     { return ActionStartTrip }
func (CompleteTrip) Type() ActionType  { return ActionCompleteTrip }
func (UpdateTrip) Type() ActionType    { return ActionUpdateTrip }
func (DeleteTrip) Type() ActionType    { return ActionDeleteTrip }
func (AddContact) Type() ActionType    { return ActionAddContact }
func (UpdateContact) Type() ActionType { return ActionUpdateContact }
func (DeleteContact) Type() ActionType { return ActionDeleteContact }

func (a CheckIn) Trip() (int64, bool)      { return a.TripID, true }
func (a Extend) Trip() (int64, bool)       { return a.TripID, true }
func (a StartTrip) Trip() (int64, bool)    { return a.TripID, true }
func (a CompleteTrip) Trip() (int64, bool) { return a.TripID, true }
func (a UpdateTrip) Trip() (int64, bool)   { return a.TripID, true }
func (a DeleteTrip) Trip() (int64, bool)   { return a.TripID, true }
func (AddContact) Trip() (int64, bool)     { return 0, false }
func (UpdateContact) Trip() (int64, bool)  { return 0, false }
func (DeleteContact) Trip() (int64, bool)  { return 0, false }

func (a CheckIn) encode() map[string]string {
	m := map[string]string{"at": formatTime(a.At)}
	if a.Location != nil {
		m["lat"] = formatFloat(a.Location.Lat)
		m["lng"] = formatFloat(a.Location.Lng)
	}
	return m
}

func (a Extend) encode() map[string]string {
	return map[string]string{"minutes": strconv.Itoa(a.Minutes)}
}

func (StartTrip) encode() map[string]string { return map[string]string{} }

func (a CompleteTrip) encode() map[string]string {
	return map[string]string{"at": formatTime(a.At)}
}

func (a UpdateTrip) encode() map[string]string {
	m := map[string]string{}
	u := a.Update
	if u.Title != nil {
		m["title"] = *u.Title
	}
	if u.ActivityID != nil {
		m["activity_id"] = strconv.FormatInt(*u.ActivityID, 10)
	}
	if u.StartAt != nil {
		m["start"] = formatTime(*u.StartAt)
	}
	if u.ETA != nil {
		m["eta"] = formatTime(*u.ETA)
	}
	if u.GraceMinutes != nil {
		m["grace_min"] = strconv.Itoa(*u.GraceMinutes)
	}
	if u.LocationText != nil {
		m["location_text"] = *u.LocationText
	}
	if u.Notes != nil {
		m["notes"] = *u.Notes
	}
	return m
}

func (DeleteTrip) encode() map[string]string { return map[string]string{} }

func (a AddContact) encode() map[string]string {
	return map[string]string{
		"temp_id": strconv.FormatInt(a.TempID, 10),
		"name":    a.Name,
		"email":   a.Email,
		"group":   a.Group,
	}
}

func (a UpdateContact) encode() map[string]string {
	return map[string]string{
		"contact_id": strconv.FormatInt(a.ContactID, 10),
		"name":       a.Name,
		"email":      a.Email,
		"group":      a.Group,
	}
}

func (a DeleteContact) encode() map[string]string {
	return map[string]string{"contact_id": strconv.FormatInt(a.ContactID, 10)}
}

// Decode rebuilds a typed action from its stored form.
func Decode(t ActionType, tripID *int64, payload map[string]string) (Action, error) {
	d := decoder{payload: payload}
	trip := func() int64 {
		if tripID == nil {
			d.fail(fmt.Errorf("missing trip id"))
			return 0
		}
		return *tripID
	}

	var a Action
	switch t {
	case ActionCheckIn:
		c := CheckIn{TripID: trip(), At: d.timestamp("at")}
		if _, ok := payload["lat"]; ok {
			c.Location = &model.Coordinate{Lat: d.number("lat"), Lng: d.number("lng")}
		}
		a = c
	case ActionExtend:
		a = Extend{TripID: trip(), Minutes: d.integer("minutes")}
	case ActionStartTrip:
		a = StartTrip{TripID: trip()}
	case ActionCompleteTrip:
		a = CompleteTrip{TripID: trip(), At: d.timestamp("at")}
	case ActionUpdateTrip:
		u := UpdateTrip{TripID: trip()}
		if v, ok := payload["title"]; ok {
			u.Update.Title = &v
		}
		if _, ok := payload["activity_id"]; ok {
			id := d.id("activity_id")
			u.Update.ActivityID = &id
		}
		if _, ok := payload["start"]; ok {
			ts := d.timestamp("start")
			u.Update.StartAt = &ts
		}
		if _, ok := payload["eta"]; ok {
			ts := d.timestamp("eta")
			u.Update.ETA = &ts
		}
		if _, ok := payload["grace_min"]; ok {
			n := d.integer("grace_min")
			u.Update.GraceMinutes = &n
		}
		if v, ok := payload["location_text"]; ok {
			u.Update.LocationText = &v
		}
		if v, ok := payload["notes"]; ok {
			u.Update.Notes = &v
		}
		a = u
	case ActionDeleteTrip:
		a = DeleteTrip{TripID: trip()}
	case ActionAddContact:
		a = AddContact{TempID: d.id("temp_id"), Name: payload["name"], Email: payload["email"], Group: payload["group"]}
	case ActionUpdateContact:
		a = UpdateContact{ContactID: d.id("contact_id"), Name: payload["name"], Email: payload["email"], Group: payload["group"]}
	case ActionDeleteContact:
		a = DeleteContact{ContactID: d.id("contact_id")}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, t)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, d.err)
	}
	return a, nil
}

type decoder struct {
	payload map[string]string
	err     error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) raw(key string) string {
	v, ok := d.payload[key]
	if !ok {
		d.fail(fmt.Errorf("missing %q", key))
	}
	return v
}

func (d *decoder) integer(key string) int {
	n, err := strconv.Atoi(d.raw(key))
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (d *decoder) id(key string) int64 {
	n, err := strconv.ParseInt(d.raw(key), 10, 64)
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (d *decoder) number(key string) float64 {
	f, err := strconv.ParseFloat(d.raw(key), 64)
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
	}
	return f
}

func (d *decoder) timestamp(key string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, d.raw(key))
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
	}
	return ts
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
