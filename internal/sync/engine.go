// Package sync reconciles local intent with the remote authority. Commands
// are tried live first; when the authority is unreachable they are queued
// and applied optimistically, and the queue is drained oldest first once
// connectivity returns.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/tripsafe/internal/auth"
	"github.com/matheus3301/tripsafe/internal/bus"
	"github.com/matheus3301/tripsafe/internal/guard"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/status"
	"github.com/matheus3301/tripsafe/internal/store"
	"github.com/matheus3301/tripsafe/internal/transport"
)

// DefaultInterval is how often the engine drains the queue on its own.
const DefaultInterval = 2 * time.Minute

var (
	// ErrReauthRequired means the credential was rejected and could not be
	// refreshed.
	ErrReauthRequired = errors.New("sign in again to continue")
	// ErrNotQueueable is returned when a command that cannot be replayed
	// later fails for lack of connectivity.
	ErrNotQueueable = errors.New("this action needs a connection")
)

// Deps are the collaborators the engine coordinates.
type Deps struct {
	DB     *store.DB
	Queue  *outbox.Queue
	API    *transport.API
	Auth   *auth.Coordinator
	Guard  *guard.Guard
	State  *state.State
	Status *status.Machine
	Bus    *bus.Bus
	Logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the periodic sync interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithClock replaces time.Now for timestamps the engine generates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the sync reconciler and the command surface used by the
// presentation layer.
type Engine struct {
	db     *store.DB
	queue  *outbox.Queue
	api    *transport.API
	auth   *auth.Coordinator
	guard  *guard.Guard
	state  *state.State
	status *status.Machine
	bus    *bus.Bus
	logger *zap.Logger

	interval time.Duration
	now      func() time.Time

	drainMu sync.Mutex
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an engine.
func New(d Deps, opts ...Option) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:       d.DB,
		queue:    d.Queue,
		api:      d.API,
		auth:     d.Auth,
		guard:    d.Guard,
		state:    d.State,
		status:   d.Status,
		bus:      d.Bus,
		logger:   logger,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads the credential backup and the cached rows into the
// published state. It does not touch the network.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.auth.Restore(ctx); err != nil {
		return err
	}

	var changes []state.Change
	if trips, err := e.db.ListTrips(ctx); err != nil {
		e.logger.Warn("load cached trips", zap.Error(err))
	} else {
		changes = append(changes, state.SetTrips{Trips: trips})
	}
	if active, err := e.db.ActiveTrip(ctx); err != nil {
		e.logger.Warn("load cached active trip", zap.Error(err))
	} else {
		changes = append(changes, state.SetActiveTrip{Trip: active})
	}
	if contacts, err := e.db.ListContacts(ctx); err != nil {
		e.logger.Warn("load cached contacts", zap.Error(err))
	} else {
		changes = append(changes, state.SetContacts{Contacts: contacts})
	}
	e.state.Apply(changes...)
	e.publishCounts(ctx)

	if e.auth.SignedIn() {
		e.setStatus(status.Offline)
	} else {
		e.setStatus(status.SignedOut)
	}
	return nil
}

// Start runs the sync loop: once immediately, then every interval, on
// Kick, and whenever connectivity comes back.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("connectivity.", 16)

	go func() {
		defer close(e.done)
		defer unsub()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.runSync(ctx, "startup")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runSync(ctx, "periodic")
			case <-e.kick:
				e.runSync(ctx, "requested")
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok && change.Reconnected() {
					e.runSync(ctx, "reconnected")
				}
			}
		}
	}()
}

// Stop stops the sync loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Kick asks the loop to sync soon. It never blocks.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) runSync(ctx context.Context, reason string) {
	if !e.auth.SignedIn() {
		return
	}
	report, err := e.DrainQueue(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("sync failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	if report.Attempted > 0 {
		e.logger.Info("sync finished", zap.String("reason", reason), zap.Object("report", report))
	}
}

// SignIn installs a credential and schedules a sync.
func (e *Engine) SignIn(ctx context.Context, t model.Tokens) {
	e.auth.SignIn(ctx, t)
	e.setStatus(status.Offline)
	e.Kick()
}

// SignOut drops the credential, the cached user data and the queue.
func (e *Engine) SignOut(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	err := e.auth.SignOut(ctx)
	if cerr := e.db.ClearUserData(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("clear user data: %w", cerr))
	}
	e.state.Apply(state.Reset{})
	e.setStatus(status.SignedOut)
	e.bus.Emit(bus.KindSignedOut, nil)
	e.logger.Info("signed out")
	return err
}

// Status returns the connectivity state.
func (e *Engine) Status() status.State {
	return e.status.Current()
}

// Snapshot returns the published state.
func (e *Engine) Snapshot() state.Snapshot {
	return e.state.Snapshot()
}

// setStatus moves the connectivity machine towards to, ignoring moves the
// machine does not allow from its current state.
func (e *Engine) setStatus(to status.State) {
	if _, err := e.status.Set(to); err != nil {
		e.logger.Debug("connectivity state unchanged", zap.Error(err))
	}
}

// observe updates connectivity from the outcome of a remote call.
func (e *Engine) observe(err error) {
	switch transport.Classify(err) {
	case transport.ClassConnectivity:
		if cur := e.status.Current(); cur != status.Offline && cur != status.SignedOut {
			e.setStatus(status.Offline)
		}
	case transport.ClassNone, transport.ClassClient, transport.ClassServer, transport.ClassDecode:
		switch e.status.Current() {
		case status.Booting, status.Offline, status.SignedOut:
			e.setStatus(status.Online)
		}
	}
}

// authorized runs fn with the current credential, tagging the request with
// key when one is given.
func (e *Engine) authorized(ctx context.Context, key string, fn func(ctx context.Context, token string) error) error {
	if key != "" {
		ctx = transport.WithIdempotencyKey(ctx, key)
	}
	err := e.auth.Do(ctx, fn)
	e.observe(err)
	return err
}

// publishCounts refreshes the pending and failed counts from the store.
func (e *Engine) publishCounts(ctx context.Context) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		e.logger.Warn("count pending actions", zap.Error(err))
		return
	}
	failed, err := e.db.CountFailedActions(ctx)
	if err != nil {
		e.logger.Warn("count failed actions", zap.Error(err))
		return
	}
	e.state.Apply(state.SetCounts{Pending: pending, Failed: failed})
}
