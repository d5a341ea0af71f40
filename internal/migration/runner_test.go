package migration_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/tripsafe/internal/migration"
	"github.com/matheus3301/tripsafe/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func versionStore(t *testing.T) migration.FileVersionStore {
	t.Helper()
	return migration.FileVersionStore{Path: filepath.Join(t.TempDir(), "schema.toml")}
}

func TestRunAppliesInOrderOnce(t *testing.T) {
	db := testDB(t)
	versions := versionStore(t)
	var calls []int

	record := func(v int) func(context.Context, *sql.Tx) error {
		return func(context.Context, *sql.Tx) error {
			calls = append(calls, v)
			return nil
		}
	}
	// Declared out of order on purpose.
	r := migration.NewRunner(db, versions, []migration.Migration{
		{Version: 2, Description: "second", Up: record(2)},
		{Version: 1, Description: "first", Up: record(1)},
	}, nil)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("calls = %v, want [1 2]", calls)
	}
	if result.From != 0 || result.To != 2 {
		t.Errorf("result = %+v, want 0 -> 2", result)
	}
	v, err := versions.Load()
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("persisted version = %d, want 2", v)
	}

	// Second run is a no-op.
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Errorf("calls after rerun = %v, want no new calls", calls)
	}
}

func TestRunStopsAtFailedMigration(t *testing.T) {
	db := testDB(t)
	versions := versionStore(t)
	boom := errors.New("boom")

	r := migration.NewRunner(db, versions, []migration.Migration{
		{Version: 1, Description: "ok", Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE marker_one (id INTEGER)`)
			return err
		}},
		{Version: 2, Description: "half done", Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `CREATE TABLE marker_two (id INTEGER)`); err != nil {
				return err
			}
			return boom
		}},
		{Version: 3, Description: "never", Up: func(context.Context, *sql.Tx) error {
			t.Error("migration 3 must not run after 2 failed")
			return nil
		}},
	}, nil)

	result, err := r.Run(context.Background())
	var migErr *migration.Error
	if !errors.As(err, &migErr) || migErr.Version != 2 || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want migration.Error for version 2 wrapping boom", err)
	}
	if result.To != 1 {
		t.Errorf("result.To = %d, want 1", result.To)
	}
	if v, _ := versions.Load(); v != 1 {
		t.Errorf("persisted version = %d, want 1", v)
	}

	// The failed body was rolled back; the store still works on the prior schema.
	err = db.View(context.Background(), func(tx *sql.Tx) error {
		one, err := migration.TableExists(context.Background(), tx, "marker_one")
		if err != nil {
			return err
		}
		two, err := migration.TableExists(context.Background(), tx, "marker_two")
		if err != nil {
			return err
		}
		if !one || two {
			t.Errorf("marker_one=%v marker_two=%v, want true/false", one, two)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunSkipsAlreadyAppliedVersions(t *testing.T) {
	db := testDB(t)
	versions := versionStore(t)
	if err := versions.Save(1); err != nil {
		t.Fatal(err)
	}
	var calls []int
	r := migration.NewRunner(db, versions, []migration.Migration{
		{Version: 1, Up: func(context.Context, *sql.Tx) error { calls = append(calls, 1); return nil }},
		{Version: 2, Up: func(context.Context, *sql.Tx) error { calls = append(calls, 2); return nil }},
	}, nil)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != 2 {
		t.Errorf("calls = %v, want [2]", calls)
	}
	if len(result.Applied) != 1 || result.Applied[0] != 2 {
		t.Errorf("applied = %v, want [2]", result.Applied)
	}
}

// TestStoreUpgradesAreNoOpsOnFreshSchema covers the case where the version
// file was lost but the database already has every column: the upgrades must
// detect the existing shape instead of failing on duplicate columns.
func TestStoreUpgradesAreNoOpsOnFreshSchema(t *testing.T) {
	db := testDB(t)
	versions := versionStore(t)
	r := migration.NewRunner(db, versions, store.Upgrades(), nil)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.To != r.Target() {
		t.Errorf("to = %d, want %d", result.To, r.Target())
	}

	// Pretend the version file was deleted and run again.
	if err := versions.Save(0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("rerun on upgraded schema: %v", err)
	}
}

func TestStoreUpgradeAddsMissingColumns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Recreate trips without the token columns, the shape of an old install.
	err := db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DROP TABLE trips`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `CREATE TABLE trips (
			id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL, title TEXT NOT NULL,
			activity_id INTEGER NOT NULL, start_at INTEGER NOT NULL, eta INTEGER NOT NULL,
			grace_minutes INTEGER NOT NULL DEFAULT 30, location_text TEXT NOT NULL DEFAULT '',
			location_lat REAL, location_lng REAL, notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL, completed_at INTEGER, last_checkin_at INTEGER,
			created_at INTEGER NOT NULL, contact1 INTEGER, contact2 INTEGER, contact3 INTEGER,
			cached_at INTEGER NOT NULL)`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	r := migration.NewRunner(db, versionStore(t), store.Upgrades(), nil)
	if _, err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}

	err = db.View(ctx, func(tx *sql.Tx) error {
		for _, col := range []string{"checkin_token", "checkout_token"} {
			ok, err := migration.ColumnExists(ctx, tx, "trips", col)
			if err != nil {
				return err
			}
			if !ok {
				t.Errorf("column trips.%s missing after upgrade", col)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
