package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) (*Queue, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil), db
}

func TestIdempotentActionsQueuedOncePerTrip(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, inserted, err := q.Enqueue(ctx, Extend{TripID: 7, Minutes: 30})
	require.NoError(t, err)
	assert.True(t, inserted)
	_, inserted, err = q.Enqueue(ctx, Extend{TripID: 7, Minutes: 30})
	require.NoError(t, err)
	assert.False(t, inserted, "second extend for trip 7 must be dropped")

	_, inserted, err = q.Enqueue(ctx, CheckIn{TripID: 7, At: time.Now()})
	require.NoError(t, err)
	assert.True(t, inserted)
	_, inserted, err = q.Enqueue(ctx, CheckIn{TripID: 7, At: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted, "second check-in for trip 7 must be dropped")

	// A different trip is a different intent.
	_, inserted, err = q.Enqueue(ctx, Extend{TripID: 8, Minutes: 30})
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNonIdempotentActionsKeepOrder(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	title := "Renamed"

	actions := []Action{
		AddContact{TempID: -1, Name: "Ann", Email: "ann@example.com"},
		UpdateTrip{TripID: 7, Update: model.TripUpdate{Title: &title}},
		UpdateTrip{TripID: 7, Update: model.TripUpdate{Title: &title}},
		DeleteContact{ContactID: 4},
		StartTrip{TripID: 9},
	}
	for _, a := range actions {
		_, inserted, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	entries, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, len(actions))
	for i, e := range entries {
		assert.Equal(t, actions[i], e.Action, "entry %d", i)
		assert.NotEmpty(t, e.IdempotencyKey)
	}
}

func TestDecodeRestoresTypedFields(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	eta := at.Add(3 * time.Hour)
	grace := 45
	notes := ""
	cases := []Action{
		CheckIn{TripID: 1, At: at, Location: &model.Coordinate{Lat: 47.6062, Lng: -122.3321}},
		CheckIn{TripID: 1, At: at},
		Extend{TripID: 2, Minutes: 30},
		CompleteTrip{TripID: 3, At: at},
		UpdateTrip{TripID: 4, Update: model.TripUpdate{ETA: &eta, GraceMinutes: &grace, Notes: &notes}},
		UpdateContact{ContactID: 5, Name: "Bo", Email: "bo@example.com", Group: "family"},
	}
	for _, want := range cases {
		tripID, hasTrip := want.Trip()
		var ref *int64
		if hasTrip {
			ref = &tripID
		}
		got, err := Decode(want.Type(), ref, want.encode())
		require.NoError(t, err, "%T", want)
		assert.Equal(t, want, got)
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	_, err := Decode("teleport", nil, map[string]string{})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = Decode(ActionExtend, nil, map[string]string{"minutes": "30"})
	assert.Error(t, err, "extend without trip id")

	trip := int64(1)
	_, err = Decode(ActionExtend, &trip, map[string]string{"minutes": "thirty"})
	assert.Error(t, err)
}

func TestPendingMovesUnreadableRowsToFailed(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	_, _, err := db.InsertPendingAction(ctx, store.PendingAction{Type: "extend", Payload: map[string]string{}}, false)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, StartTrip{TripID: 3})
	require.NoError(t, err)

	entries, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StartTrip{TripID: 3}, entries[0].Action)

	failed, err := db.ListFailedActions(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRemapAndCancelContact(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	for _, a := range []Action{
		AddContact{TempID: -1, Name: "Ann"},
		UpdateContact{ContactID: -1, Name: "Annie"},
		AddContact{TempID: -2, Name: "Cy"},
		DeleteContact{ContactID: -2},
	} {
		_, _, err := q.Enqueue(ctx, a)
		require.NoError(t, err)
	}

	require.NoError(t, q.RemapContact(ctx, -1, 41))
	removed, err := q.CancelContact(ctx, -2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AddContact{TempID: -1, Name: "Ann"}, entries[0].Action)
	assert.Equal(t, UpdateContact{ContactID: 41, Name: "Annie"}, entries[1].Action)
}
