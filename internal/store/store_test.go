package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/tripsafe/internal/model"
)

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testTrip(id int64, activityID int64, eta time.Time) model.Trip {
	return model.Trip{
		ID:           id,
		UserID:       1,
		Title:        "Trip",
		Activity:     model.Activity{ID: activityID},
		StartAt:      eta.Add(-2 * time.Hour),
		ETA:          eta,
		GraceMinutes: 30,
		Status:       model.TripPlanned,
		CreatedAt:    eta.Add(-3 * time.Hour),
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + action queue)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert trip", "INSERT INTO trips (id, user_id, title, activity_id, start_at, eta, status, created_at, checkin_token, checkout_token, cached_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{1, 1, "t", 1, 1000, 2000, "planned", 1000, "a", "b", 1}},
		{"insert activity", "INSERT INTO activities (id, name, messages, safety_tips) VALUES (?, ?, ?, ?)", []any{1, "Hiking", "{}", "[]"}},
		{"insert contact", "INSERT INTO contacts (id, user_id, name, email, group_tag) VALUES (?, ?, ?, ?, ?)", []any{1, 1, "Ann", "ann@example.com", "family"}},
		{"insert timeline", "INSERT INTO timeline_events (trip_id, kind, at, extended_by) VALUES (?, ?, ?, ?)", []any{1, "extended", 1000, 30}},
		{"queue action", "INSERT INTO pending_actions (action_type, trip_id, payload, idempotency_key, created_at) VALUES (?, ?, ?, ?, ?)", []any{"extend", 1, "{}", "k", 1}},
		{"record failure", "INSERT INTO failed_actions (action_type, error, failed_at) VALUES (?, ?, ?)", []any{"extend", "boom", 1}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.conn.ExecContext(ctx, op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestListTripsKeepsTripWithMissingActivity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ReplaceActivities(ctx, []model.Activity{{ID: 1, Name: "Hiking", SafetyTips: []string{"water"}}}); err != nil {
		t.Fatal(err)
	}
	eta := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	if err := db.ReplaceTrips(ctx, []model.Trip{testTrip(1, 1, eta), testTrip(2, 99, eta.Add(time.Hour))}); err != nil {
		t.Fatal(err)
	}

	trips, err := db.ListTrips(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(trips) != 2 {
		t.Fatalf("got %d trips, want 2 (outer join must not drop trip 2)", len(trips))
	}
	byID := map[int64]model.Trip{}
	for _, tr := range trips {
		byID[tr.ID] = tr
	}
	if a := byID[1].Activity; a.Placeholder || a.Name != "Hiking" || len(a.SafetyTips) != 1 {
		t.Errorf("trip 1 activity = %+v, want cached Hiking row", a)
	}
	if a := byID[2].Activity; !a.Placeholder || a.ID != 99 {
		t.Errorf("trip 2 activity = %+v, want placeholder for id 99", a)
	}
}

func TestReplaceTripsIsAllOrNothing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	eta := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	if err := db.ReplaceTrips(ctx, []model.Trip{testTrip(1, 1, eta), testTrip(2, 1, eta)}); err != nil {
		t.Fatal(err)
	}

	// Fail on the third row of the replacement.
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TRIGGER fail_third BEFORE INSERT ON trips WHEN NEW.id = 12
		BEGIN SELECT RAISE(ABORT, 'simulated write failure'); END`); err != nil {
		t.Fatal(err)
	}

	err := db.ReplaceTrips(ctx, []model.Trip{
		testTrip(10, 1, eta), testTrip(11, 1, eta), testTrip(12, 1, eta), testTrip(13, 1, eta),
	})
	if err == nil {
		t.Fatal("ReplaceTrips() should fail on trip 12")
	}

	trips, err := db.ListTrips(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(trips) != 2 {
		t.Fatalf("got %d trips, want the 2 original trips", len(trips))
	}
	for _, tr := range trips {
		if tr.ID != 1 && tr.ID != 2 {
			t.Errorf("unexpected trip %d after failed replace", tr.ID)
		}
	}
}

func TestTripRetentionCap(t *testing.T) {
	db := testDB(t, WithTripCacheLimit(3))
	ctx := context.Background()
	eta := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 5; i++ {
		tr := testTrip(i, 1, eta.Add(time.Duration(i)*time.Hour))
		if err := db.SaveTrip(ctx, &tr); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	n, err := db.TripCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("trip count = %d, want 3", n)
	}
	if _, err := db.GetTrip(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest trip should be pruned, got err=%v", err)
	}
	if _, err := db.GetTrip(ctx, 5); err != nil {
		t.Errorf("newest trip missing: %v", err)
	}
}

func TestUpdateTripFieldsAndActiveTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	eta := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	tr := testTrip(7, 1, eta)
	if err := db.SaveTrip(ctx, &tr); err != nil {
		t.Fatal(err)
	}
	active, err := db.ActiveTrip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("planned trip must not be active, got %d", active.ID)
	}

	status := model.TripActive
	newETA := eta.Add(30 * time.Minute)
	checkin := eta.Add(-time.Hour)
	if err := db.UpdateTripFields(ctx, 7, TripFields{
		TripUpdate:    model.TripUpdate{ETA: &newETA},
		Status:        &status,
		LastCheckinAt: &checkin,
	}); err != nil {
		t.Fatal(err)
	}

	active, err = db.ActiveTrip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != 7 {
		t.Fatalf("active trip = %v, want 7", active)
	}
	if !active.ETA.Equal(newETA) {
		t.Errorf("eta = %v, want %v", active.ETA, newETA)
	}
	if active.LastCheckinAt == nil || !active.LastCheckinAt.Equal(checkin) {
		t.Errorf("last checkin = %v, want %v", active.LastCheckinAt, checkin)
	}

	if err := db.UpdateTripFields(ctx, 404, TripFields{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing trip err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTripClearsTimeline(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	eta := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	tr := testTrip(3, 1, eta)
	if err := db.SaveTrip(ctx, &tr); err != nil {
		t.Fatal(err)
	}
	ext := 30
	if err := db.ReplaceTimeline(ctx, 3, []model.TimelineEvent{
		{Kind: model.EventCheckin, At: eta.Add(-time.Hour), Location: &model.Coordinate{Lat: 1, Lng: 2}},
		{Kind: model.EventExtended, At: eta.Add(-30 * time.Minute), ExtendedBy: &ext},
	}); err != nil {
		t.Fatal(err)
	}
	events, err := db.ListTimeline(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].ExtendedBy == nil || *events[1].ExtendedBy != 30 {
		t.Fatalf("timeline = %+v, want 2 events with extension of 30", events)
	}

	if err := db.DeleteTrip(ctx, 3); err != nil {
		t.Fatal(err)
	}
	events, err = db.ListTimeline(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("got %d timeline events after delete, want 0", len(events))
	}
	if err := db.DeleteTrip(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestPendingActionDedupe(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	tripID := int64(7)

	id1, inserted, err := db.InsertPendingAction(ctx, PendingAction{Type: "extend", TripID: &tripID, Payload: map[string]string{"minutes": "30"}}, true)
	if err != nil || !inserted {
		t.Fatalf("first insert: id=%d inserted=%v err=%v", id1, inserted, err)
	}
	id2, inserted, err := db.InsertPendingAction(ctx, PendingAction{Type: "extend", TripID: &tripID, Payload: map[string]string{"minutes": "15"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if inserted || id2 != id1 {
		t.Errorf("duplicate insert: id=%d inserted=%v, want id=%d inserted=false", id2, inserted, id1)
	}

	// Non-unique inserts always append, including for a nil trip id.
	for range 2 {
		if _, _, err := db.InsertPendingAction(ctx, PendingAction{Type: "add_contact", Payload: map[string]string{"name": "Ann"}}, false); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.ListPendingActions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
	if pending[0].Type != "extend" || pending[0].Payload["minutes"] != "30" {
		t.Errorf("first pending = %+v, want the original extend", pending[0])
	}

	if err := db.DeletePendingAction(ctx, id1); err != nil {
		t.Fatal(err)
	}
	n, err := db.CountPendingActions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestFailedActions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	tripID := int64(7)

	if err := db.InsertFailedAction(ctx, FailedAction{Type: "extend", TripID: &tripID, Error: "trip already completed"}); err != nil {
		t.Fatal(err)
	}
	failed, err := db.ListFailedActions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Error != "trip already completed" || *failed[0].TripID != 7 {
		t.Fatalf("failed = %+v", failed)
	}
	if err := db.ClearFailedActions(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountFailedActions(ctx); n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}
}

func TestTemporaryContacts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ReplaceContacts(ctx, []model.Contact{{ID: 5, UserID: 1, Name: "Bob", Email: "bob@example.com"}}); err != nil {
		t.Fatal(err)
	}
	tempID, err := db.NextTemporaryContactID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tempID != -1 {
		t.Fatalf("first temporary id = %d, want -1", tempID)
	}
	if err := db.SaveContact(ctx, &model.Contact{ID: tempID, UserID: 1, Name: "Ann", Email: "ann@example.com"}); err != nil {
		t.Fatal(err)
	}
	if next, _ := db.NextTemporaryContactID(ctx); next != -2 {
		t.Errorf("next temporary id = %d, want -2", next)
	}

	// A full refresh keeps unsynced contacts.
	if err := db.ReplaceContacts(ctx, []model.Contact{{ID: 6, UserID: 1, Name: "Cy", Email: "cy@example.com"}}); err != nil {
		t.Fatal(err)
	}
	contacts, err := db.ListContacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Fatalf("got %d contacts, want 2 (Ann temporary + Cy)", len(contacts))
	}

	if err := db.ReplaceTemporaryContact(ctx, tempID, &model.Contact{ID: 40, UserID: 1, Name: "Ann", Email: "ann@example.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetContact(ctx, tempID); !errors.Is(err, ErrNotFound) {
		t.Errorf("temporary contact still present: %v", err)
	}
	c, err := db.GetContact(ctx, 40)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Ann" {
		t.Errorf("name = %q, want Ann", c.Name)
	}
}

func TestTokensAndCheckpoints(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tokens, err := db.LoadTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !tokens.Empty() {
		t.Fatalf("fresh db tokens = %+v, want empty", tokens)
	}
	if err := db.SaveTokens(ctx, model.Tokens{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	tokens, err = db.LoadTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tokens.AccessToken != "a" || tokens.RefreshToken != "r" {
		t.Errorf("tokens = %+v", tokens)
	}

	if err := db.SetCheckpoint(ctx, CheckpointLastDrain, "123"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Checkpoint(ctx, CheckpointLastDrain); v != "123" {
		t.Errorf("checkpoint = %q, want 123", v)
	}

	if err := db.ClearUserData(ctx); err != nil {
		t.Fatal(err)
	}
	tokens, _ = db.LoadTokens(ctx)
	if !tokens.Empty() {
		t.Error("tokens survived ClearUserData")
	}
}
