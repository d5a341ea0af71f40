package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
)

type idempotencyKey struct{}

// WithIdempotencyKey attaches key to ctx; requests made with the returned
// context carry it in the Idempotency-Key header.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// API is the typed surface of the remote authority.
type API struct {
	c *Client
}

// NewAPI wraps c.
func NewAPI(c *Client) *API {
	return &API{c: c}
}

// CheckInRequest is the body of a check-in.
type CheckInRequest struct {
	At       time.Time         `json:"at"`
	Location *model.Coordinate `json:"location,omitempty"`
}

// ExtendResponse is the authority's answer to an extension.
type ExtendResponse struct {
	OK     bool      `json:"ok"`
	NewETA time.Time `json:"new_eta"`
}

// CompleteRequest is the body of a trip completion.
type CompleteRequest struct {
	At time.Time `json:"at"`
}

// ContactRequest creates or replaces a contact.
type ContactRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Group string `json:"group,omitempty"`
}

// DeviceRegistration registers a push token.
type DeviceRegistration struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func tripPath(id int64, suffix string) string {
	return fmt.Sprintf("/api/v1/trips/%d%s", id, suffix)
}

// ListTrips returns every trip of the user.
func (a *API) ListTrips(ctx context.Context, token string) ([]model.Trip, error) {
	var trips []model.Trip
	if err := a.c.Get(ctx, "/api/v1/trips/", token, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// ActiveTrip returns the user's live trip, or nil when there is none.
func (a *API) ActiveTrip(ctx context.Context, token string) (*model.Trip, error) {
	var trip *model.Trip
	if err := a.c.Get(ctx, "/api/v1/trips/active", token, &trip); err != nil {
		return nil, err
	}
	return trip, nil
}

// GetTrip fetches one trip.
func (a *API) GetTrip(ctx context.Context, token string, id int64) (*model.Trip, error) {
	var trip model.Trip
	if err := a.c.Get(ctx, tripPath(id, ""), token, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

// CreateTrip creates a trip and returns it with its server-assigned id.
func (a *API) CreateTrip(ctx context.Context, token string, in model.NewTrip) (*model.Trip, error) {
	var trip model.Trip
	if err := a.c.Post(ctx, "/api/v1/trips/", token, in, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

// UpdateTrip applies a partial update.
func (a *API) UpdateTrip(ctx context.Context, token string, id int64, u model.TripUpdate) (*model.Trip, error) {
	var trip model.Trip
	if err := a.c.Patch(ctx, tripPath(id, ""), token, u, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

// DeleteTrip removes a trip.
func (a *API) DeleteTrip(ctx context.Context, token string, id int64) error {
	return a.c.Delete(ctx, tripPath(id, ""), token)
}

func (a *API) tripAction(ctx context.Context, token string, id int64, action string, body, out any) error {
	return a.c.Post(ctx, tripPath(id, "/"+action), token, body, out)
}

// StartTrip moves a planned trip to active.
func (a *API) StartTrip(ctx context.Context, token string, id int64) error {
	return a.tripAction(ctx, token, id, "start", struct{}{}, nil)
}

// CheckIn records that the user is safe.
func (a *API) CheckIn(ctx context.Context, token string, id int64, in CheckInRequest) error {
	return a.tripAction(ctx, token, id, "checkin", in, nil)
}

// Extend pushes the trip's ETA forward and returns the new ETA.
func (a *API) Extend(ctx context.Context, token string, id int64, minutes int) (time.Time, error) {
	var out ExtendResponse
	body := struct {
		Minutes int `json:"minutes"`
	}{minutes}
	if err := a.tripAction(ctx, token, id, "extend", body, &out); err != nil {
		return time.Time{}, err
	}
	if out.NewETA.IsZero() {
		return time.Time{}, &DecodeError{Err: fmt.Errorf("extend response has no new_eta")}
	}
	return out.NewETA.UTC(), nil
}

// CompleteTrip ends a trip.
func (a *API) CompleteTrip(ctx context.Context, token string, id int64, at time.Time) error {
	return a.tripAction(ctx, token, id, "complete", CompleteRequest{At: at}, nil)
}

// Timeline returns a trip's event history.
func (a *API) Timeline(ctx context.Context, token string, id int64) ([]model.TimelineEvent, error) {
	var events []model.TimelineEvent
	if err := a.c.Get(ctx, tripPath(id, "/timeline"), token, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Activities returns the activity reference data.
func (a *API) Activities(ctx context.Context, token string) ([]model.Activity, error) {
	var out []model.Activity
	if err := a.c.Get(ctx, "/api/v1/activities/", token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Contacts returns the user's contacts.
func (a *API) Contacts(ctx context.Context, token string) ([]model.Contact, error) {
	var out []model.Contact
	if err := a.c.Get(ctx, "/api/v1/contacts/", token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateContact creates a contact.
func (a *API) CreateContact(ctx context.Context, token string, in ContactRequest) (*model.Contact, error) {
	var c model.Contact
	if err := a.c.Post(ctx, "/api/v1/contacts/", token, in, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateContact replaces a contact's fields.
func (a *API) UpdateContact(ctx context.Context, token string, id int64, in ContactRequest) (*model.Contact, error) {
	var c model.Contact
	if err := a.c.Put(ctx, fmt.Sprintf("/api/v1/contacts/%d", id), token, in, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteContact removes a contact.
func (a *API) DeleteContact(ctx context.Context, token string, id int64) error {
	return a.c.Delete(ctx, fmt.Sprintf("/api/v1/contacts/%d", id), token)
}

// Refresh exchanges a refresh token for a new credential pair.
func (a *API) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	var out model.Tokens
	if err := a.c.Post(ctx, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return model.Tokens{}, err
	}
	if out.AccessToken == "" {
		return model.Tokens{}, &DecodeError{Err: fmt.Errorf("refresh response has no access_token")}
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// RegisterDevice registers a push token for the user.
func (a *API) RegisterDevice(ctx context.Context, token string, in DeviceRegistration) error {
	return a.c.Post(ctx, "/api/v1/devices/", token, in, nil)
}
