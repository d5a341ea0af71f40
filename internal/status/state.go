// Package status tracks whether the engine can reach the remote authority.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/tripsafe/internal/bus"
)

// State represents the engine's connectivity state.
type State string

const (
	Booting   State = "BOOTING"
	SignedOut State = "SIGNED_OUT"
	Offline   State = "OFFLINE"
	Online    State = "ONLINE"
	Syncing   State = "SYNCING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:   {SignedOut, Offline, Online},
	SignedOut: {Offline, Online},
	Offline:   {Online, SignedOut},
	Online:    {Syncing, Offline, SignedOut},
	Syncing:   {Online, Offline, SignedOut},
}

// Machine tracks and enforces connectivity state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// Set moves to the given state unless already there. It reports whether the
// state changed.
func (m *Machine) Set(to State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return false, nil
	}
	if err := m.transitionLocked(to); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnectivityChanged,
		Timestamp: m.since,
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Reconnected reports whether the change restored connectivity.
func (c StatusChange) Reconnected() bool {
	return c.To == Online && (c.From == Offline || c.From == SignedOut)
}
