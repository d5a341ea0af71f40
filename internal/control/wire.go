// Package control is the local control surface of tripd. The service is
// registered by hand on a grpc.Server and carries its messages as
// protobuf well-known types: requests and replies are google.protobuf.Struct
// values holding the JSON form of the types below.
package control

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/tripsafe/internal/model"
)

// Status is the reply of GetStatus.
type Status struct {
	Profile           string      `json:"profile"`
	State             string      `json:"state"`
	UptimeMs          int64       `json:"uptime_ms"`
	PendingCount      int         `json:"pending_count"`
	FailedCount       int         `json:"failed_count"`
	ActiveTrip        *model.Trip `json:"active_trip,omitempty"`
	LastDrainAt       *time.Time  `json:"last_drain_at,omitempty"`
	LastFullRefreshAt *time.Time  `json:"last_full_refresh_at,omitempty"`
	DeviceToken       string      `json:"device_token,omitempty"`
}

// SyncReport is the reply of SyncNow.
type SyncReport struct {
	Attempted int    `json:"attempted"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	Refetched bool   `json:"refetched"`
	Stopped   string `json:"stopped,omitempty"`
}

// PendingAction is one queued action as listed by ListPending.
type PendingAction struct {
	ID             int64     `json:"id"`
	Type           string    `json:"type"`
	TripID         *int64    `json:"trip_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// FailedAction is one permanently rejected action as listed by ListFailed.
type FailedAction struct {
	ID       int64     `json:"id"`
	Type     string    `json:"type"`
	TripID   *int64    `json:"trip_id,omitempty"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// TripReply is the reply of the trip commands.
type TripReply struct {
	Trip   *model.Trip `json:"trip,omitempty"`
	Queued bool        `json:"queued"`
}

// CheckInRequest is the request of CheckIn.
type CheckInRequest struct {
	TripID   int64             `json:"trip_id"`
	Location *model.Coordinate `json:"location,omitempty"`
}

// ExtendRequest is the request of Extend.
type ExtendRequest struct {
	TripID  int64 `json:"trip_id"`
	Minutes int   `json:"minutes"`
}

// CompleteRequest is the request of Complete.
type CompleteRequest struct {
	TripID int64 `json:"trip_id"`
}

// SignInRequest is the request of SignIn: a credential pair issued by the
// authority.
type SignInRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// DeviceRequest is the request of RegisterDevice.
type DeviceRequest struct {
	Token string `json:"token"`
}

// DeviceReply is the reply of RegisterDevice. Registered is false when the
// registration is still retrying in the background.
type DeviceReply struct {
	Token      string `json:"token"`
	Registered bool   `json:"registered"`
}

type list[T any] struct {
	Items []T `json:"items"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}
