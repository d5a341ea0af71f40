package control_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/tripsafe/internal/control"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/status"
	"github.com/matheus3301/tripsafe/internal/store"
	tripsync "github.com/matheus3301/tripsafe/internal/sync"
	"github.com/matheus3301/tripsafe/internal/transport"
)

type fakeEngine struct {
	mu       sync.Mutex
	trips    []model.Trip
	pending  []outbox.Entry
	failed   []store.FailedAction
	cleared  bool
	extended map[int64]int
	tokens   model.Tokens
	err      error
}

func (f *fakeEngine) Status() status.State { return status.Online }

func (f *fakeEngine) Snapshot() state.Snapshot {
	var active *model.Trip
	if len(f.trips) > 0 {
		active = &f.trips[0]
	}
	return state.Snapshot{ActiveTrip: active, Trips: f.trips, PendingCount: len(f.pending), FailedCount: len(f.failed)}
}

func (f *fakeEngine) Checkpoint(_ context.Context, key string) (time.Time, bool) {
	if key == store.CheckpointLastDrain {
		return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func (f *fakeEngine) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEngine) DrainQueue(context.Context) (tripsync.DrainReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tripsync.DrainReport{}, f.err
	}
	return tripsync.DrainReport{Attempted: 3, Synced: 1, Deferred: 2, Stopped: transport.ClassServer}, nil
}

func (f *fakeEngine) Pending(context.Context) ([]outbox.Entry, error) { return f.pending, nil }

func (f *fakeEngine) FailedActions(context.Context) ([]store.FailedAction, error) {
	return f.failed, nil
}

func (f *fakeEngine) ClearFailedActions(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeEngine) LoadTrips(context.Context) ([]model.Trip, error) { return f.trips, nil }

func (f *fakeEngine) CheckIn(_ context.Context, id int64, loc *model.Coordinate) (tripsync.TripResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tripsync.TripResult{}, f.err
	}
	t := f.trips[0]
	now := time.Now().UTC().Truncate(time.Second)
	t.LastCheckinAt = &now
	t.Location = loc
	return tripsync.TripResult{Trip: &t, Queued: true}, nil
}

func (f *fakeEngine) Extend(_ context.Context, id int64, minutes int) (tripsync.TripResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extended == nil {
		f.extended = map[int64]int{}
	}
	f.extended[id] += minutes
	t := f.trips[0]
	t.ETA = t.ETA.Add(time.Duration(minutes) * time.Minute)
	return tripsync.TripResult{Trip: &t}, nil
}

func (f *fakeEngine) CompleteTrip(_ context.Context, id int64) (tripsync.TripResult, error) {
	return tripsync.TripResult{}, &transport.ClientError{Status: 400, Message: "trip is not active"}
}

func (f *fakeEngine) SignIn(_ context.Context, t model.Tokens) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = t
}

func (f *fakeEngine) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tokens = model.Tokens{}
	return nil
}

func (f *fakeEngine) credential() model.Tokens {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

type fakeDevices struct {
	mu     sync.Mutex
	result chan error
	token  string
}

func (d *fakeDevices) Start(token string) <-chan error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
	return d.result
}

func (d *fakeDevices) Registered() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token, d.token != ""
}

func serve(t *testing.T, engine control.Engine, devices control.Devices) *control.Client {
	t.Helper()
	// Keep the socket path short for the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "tripsafe-ctl-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	srv := grpc.NewServer()
	control.Register(srv, control.NewService("main", engine, devices))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := control.Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleTrip() model.Trip {
	eta := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	return model.Trip{
		ID:       7,
		Title:    "Ridge loop",
		Activity: model.Activity{ID: 1, Name: "Hiking"},
		StartAt:  eta.Add(-3 * time.Hour),
		ETA:      eta,
		Status:   model.TripActive,
	}
}

func TestStatus(t *testing.T) {
	tripID := int64(7)
	engine := &fakeEngine{
		trips:   []model.Trip{sampleTrip()},
		pending: []outbox.Entry{{ID: 1, Action: outbox.Extend{TripID: tripID, Minutes: 30}}},
	}
	c := serve(t, engine, &fakeDevices{token: "push-1"})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", st.Profile)
	assert.Equal(t, string(status.Online), st.State)
	assert.Equal(t, 1, st.PendingCount)
	require.NotNil(t, st.ActiveTrip)
	assert.Equal(t, int64(7), st.ActiveTrip.ID)
	assert.True(t, st.ActiveTrip.ETA.Equal(sampleTrip().ETA))
	require.NotNil(t, st.LastDrainAt)
	assert.Nil(t, st.LastFullRefreshAt)
	assert.Equal(t, "push-1", st.DeviceToken)
}

func TestSyncNowAndQueues(t *testing.T) {
	ctx := context.Background()
	tripID := int64(7)
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	engine := &fakeEngine{
		pending: []outbox.Entry{
			{ID: 1, Action: outbox.CheckIn{TripID: tripID, At: created}, IdempotencyKey: "k1", CreatedAt: created},
			{ID: 2, Action: outbox.DeleteContact{ContactID: 4}, IdempotencyKey: "k2", CreatedAt: created},
		},
		failed: []store.FailedAction{{ID: 9, Type: "extend", TripID: &tripID, Error: "trip not found", FailedAt: created}},
	}
	c := serve(t, engine, nil)

	report, err := c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, control.SyncReport{Attempted: 3, Synced: 1, Deferred: 2, Stopped: "server"}, *report)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "check_in", pending[0].Type)
	require.NotNil(t, pending[0].TripID)
	assert.Equal(t, tripID, *pending[0].TripID)
	assert.Nil(t, pending[1].TripID)
	assert.Equal(t, "k2", pending[1].IdempotencyKey)

	failed, err := c.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "trip not found", failed[0].Error)

	require.NoError(t, c.ClearFailed(ctx))
	engine.mu.Lock()
	assert.True(t, engine.cleared)
	engine.mu.Unlock()
}

func TestTripCommands(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{trips: []model.Trip{sampleTrip()}}
	c := serve(t, engine, nil)

	trips, err := c.Trips(ctx)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "Ridge loop", trips[0].Title)

	res, err := c.CheckIn(ctx, 7, &model.Coordinate{Lat: 47.5, Lng: -121.7})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.NotNil(t, res.Trip.Location)
	assert.InDelta(t, 47.5, res.Trip.Location.Lat, 1e-9)

	res, err = c.Extend(ctx, 7, 30)
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.True(t, res.Trip.ETA.Equal(sampleTrip().ETA.Add(30*time.Minute)))
	engine.mu.Lock()
	assert.Equal(t, 30, engine.extended[7])
	engine.mu.Unlock()
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{trips: []model.Trip{sampleTrip()}}
	c := serve(t, engine, nil)

	_, err := c.Extend(ctx, 7, 0)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	_, err = c.Complete(ctx, 7)
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err))

	engine.setErr(tripsync.ErrReauthRequired)
	_, err = c.SyncNow(ctx)
	assert.Equal(t, codes.Unauthenticated, grpcstatus.Code(err))

	engine.setErr(&transport.ConnectivityError{Err: errors.New("connection refused")})
	_, err = c.CheckIn(ctx, 7, nil)
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))

	_, err = c.RegisterDevice(ctx, "push-1")
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))
}

func TestRegisterDevice(t *testing.T) {
	ctx := context.Background()
	devices := &fakeDevices{result: make(chan error, 1)}
	c := serve(t, &fakeEngine{}, devices)

	devices.result <- nil
	res, err := c.RegisterDevice(ctx, "push-1")
	require.NoError(t, err)
	assert.True(t, res.Registered)
	token, _ := devices.Registered()
	assert.Equal(t, "push-1", token)

	_, err = c.RegisterDevice(ctx, "")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	devices.result <- &transport.ClientError{Status: 400, Message: "token is required"}
	_, err = c.RegisterDevice(ctx, "push-2")
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err))
}

func TestSignInAndOut(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{}
	c := serve(t, engine, nil)

	_, err := c.SignIn(ctx, "access-1", "")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
	assert.True(t, engine.credential().Empty())

	st, err := c.SignIn(ctx, "access-1", "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "main", st.Profile)
	got := engine.credential()
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, c.SignOut(ctx))
	assert.True(t, engine.credential().Empty())

	engine.setErr(errors.New("disk I/O error"))
	err = c.SignOut(ctx)
	assert.Equal(t, codes.Internal, grpcstatus.Code(err))
}
