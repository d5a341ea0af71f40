package bus

import "time"

// Event kinds. Subscribers filter on the namespace prefix before the dot.
const (
	KindConnectivityChanged = "connectivity.changed"

	KindActiveTripChanged = "state.active_trip"
	KindTripsChanged      = "state.trips"
	KindContactsChanged   = "state.contacts"
	KindPendingChanged    = "state.pending"
	KindFailedChanged     = "state.failed"

	KindDrainFinished = "sync.drained"
	KindActionFailed  = "sync.action_failed"
	KindRefetched     = "sync.refetched"

	KindSignedOut = "auth.signed_out"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
