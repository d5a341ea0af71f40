// Package guard rejects background refreshes that would overwrite a local
// change with older data from the authority.
package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
)

const (
	DefaultSuppressionWindow = 30 * time.Second
	DefaultExtensionSettle   = 2 * time.Second
)

var (
	// ErrExtensionInProgress rejects any update to the active trip while an
	// extension is in flight or settling.
	ErrExtensionInProgress = errors.New("extension in progress")
	// ErrStaleETA rejects an update that would move a trip's ETA backward.
	ErrStaleETA = errors.New("stale eta")
)

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// Guard tracks the last local mutation of the active trip and any extension
// in flight. It is safe for concurrent use.
type Guard struct {
	window time.Duration
	settle time.Duration
	now    func() time.Time

	mu          sync.Mutex
	lastLocal   time.Time
	extending   int
	lockedUntil time.Time
}

// New creates a guard with the given suppression window and extension
// settle delay.
func New(window, settle time.Duration, opts ...Option) *Guard {
	g := &Guard{window: window, settle: settle, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MarkLocalMutation records that the active trip was just changed locally.
func (g *Guard) MarkLocalMutation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastLocal = g.now()
}

// ShouldSkipRefresh reports whether a background refresh of the active trip
// falls inside the suppression window.
func (g *Guard) ShouldSkipRefresh() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.lastLocal.IsZero() && g.now().Sub(g.lastLocal) < g.window
}

// BeginExtension takes the hard lock for an extension call. The returned
// function must be called once the call completes; the lock is then held
// for the settle delay from that moment. Calling it more than once has no
// further effect.
func (g *Guard) BeginExtension() (release func()) {
	g.mu.Lock()
	g.extending++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.extending--
			if until := g.now().Add(g.settle); until.After(g.lockedUntil) {
				g.lockedUntil = until
			}
		})
	}
}

// Locked reports whether the extension hard lock is held.
func (g *Guard) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockedLocked()
}

func (g *Guard) lockedLocked() bool {
	return g.extending > 0 || g.now().Before(g.lockedUntil)
}

// Admit decides whether an authoritative copy of the active trip may replace
// current. Either may be nil.
func (g *Guard) Admit(current, incoming *model.Trip) error {
	g.mu.Lock()
	locked := g.lockedLocked()
	g.mu.Unlock()
	if locked {
		return ErrExtensionInProgress
	}
	return CheckETA(current, incoming)
}

// CheckETA rejects an incoming copy of the same trip whose ETA is earlier
// than the one held. It ignores the extension lock, for callers that hold
// it themselves.
func CheckETA(current, incoming *model.Trip) error {
	if current != nil && incoming != nil && current.ID == incoming.ID && incoming.ETA.Before(current.ETA) {
		return ErrStaleETA
	}
	return nil
}
