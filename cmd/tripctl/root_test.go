package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/matheus3301/tripsafe/internal/config"
	"github.com/matheus3301/tripsafe/internal/control"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/profile"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/status"
	"github.com/matheus3301/tripsafe/internal/store"
	tripsync "github.com/matheus3301/tripsafe/internal/sync"
)

// offlineEngine answers as a daemon whose changes are all queued.
type offlineEngine struct{}

func (offlineEngine) Status() status.State { return status.Offline }
func (offlineEngine) Snapshot() state.Snapshot {
	return state.Snapshot{PendingCount: 1}
}
func (offlineEngine) Checkpoint(context.Context, string) (time.Time, bool) { return time.Time{}, false }
func (offlineEngine) DrainQueue(context.Context) (tripsync.DrainReport, error) {
	return tripsync.DrainReport{}, nil
}
func (offlineEngine) Pending(context.Context) ([]outbox.Entry, error) { return nil, nil }
func (offlineEngine) FailedActions(context.Context) ([]store.FailedAction, error) {
	return nil, nil
}
func (offlineEngine) ClearFailedActions(context.Context) error        { return nil }
func (offlineEngine) LoadTrips(context.Context) ([]model.Trip, error) { return nil, nil }
func (offlineEngine) CheckIn(context.Context, int64, *model.Coordinate) (tripsync.TripResult, error) {
	return tripsync.TripResult{Queued: true}, nil
}
func (offlineEngine) Extend(_ context.Context, id int64, minutes int) (tripsync.TripResult, error) {
	eta := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
	return tripsync.TripResult{Trip: &model.Trip{ID: id, Title: "Ridge loop", ETA: eta, Status: model.TripActive}, Queued: true}, nil
}
func (offlineEngine) CompleteTrip(context.Context, int64) (tripsync.TripResult, error) {
	return tripsync.TripResult{Queued: true}, nil
}

func (offlineEngine) SignIn(context.Context, model.Tokens) {}
func (offlineEngine) SignOut(context.Context) error        { return nil }

func serveControl(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tripctl-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	srv := grpc.NewServer()
	control.Register(srv, control.NewService("main", offlineEngine{}, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return socketPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRIPSAFE_HOME", t.TempDir())
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{
		{"status"}, {"sync"}, {"trips"}, {"pending"}, {"failed"}, {"failed", "clear"},
		{"checkin"}, {"extend"}, {"complete"}, {"device", "register"},
		{"login"}, {"logout"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad format", []string{"--format", "yaml", "status"}, "invalid format"},
		{"bad profile", []string{"--profile", "Bad Name", "status"}, "invalid profile name"},
		{"bad trip id", []string{"checkin", "abc"}, "invalid trip id"},
		{"zero trip id", []string{"complete", "0"}, "invalid trip id"},
		{"bad minutes", []string{"extend", "7", "0"}, "invalid minutes"},
		{"login without refresh token", []string{"login", "--access-token", "a"}, "refresh-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStatusText(t *testing.T) {
	socket := serveControl(t)

	out, err := run(t, "--socket", socket, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State:     OFFLINE")
	assert.Contains(t, out, "Pending:   1")
	assert.Contains(t, out, "Last sync: never")
}

func TestExtendJSON(t *testing.T) {
	socket := serveControl(t)

	out, err := run(t, "--socket", socket, "--format", "json", "extend", "7", "30")
	require.NoError(t, err)

	var reply control.TripReply
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.True(t, reply.Queued)
	require.NotNil(t, reply.Trip)
	assert.Equal(t, int64(7), reply.Trip.ID)
	assert.Equal(t, "2026-05-01T18:30:00Z", reply.Trip.ETA.Format(time.RFC3339))
}

func TestCheckInQueuedMessage(t *testing.T) {
	socket := serveControl(t)

	out, err := run(t, "--socket", socket, "checkin", "7", "--lat", "47.5", "--lng", "-121.7")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved offline")
}

func TestLoginAndLogout(t *testing.T) {
	socket := serveControl(t)

	out, err := run(t, "--socket", socket, "login", "--access-token", "a", "--refresh-token", "r")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in to profile main (OFFLINE)")

	out, err = run(t, "--socket", socket, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out")
}

func TestConfiguredDefaultProfileValidated(t *testing.T) {
	home := t.TempDir()
	cfg := config.Default()
	cfg.DefaultProfile = "Not Valid"
	t.Setenv("TRIPSAFE_HOME", home)
	require.NoError(t, config.Save(profile.ConfigPath(), cfg))

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"status"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_profile")
}
