// Package migration applies ordered, versioned upgrades to an existing
// store. The applied version is kept outside the store so it survives the
// database file being recreated; every migration therefore inspects the
// live schema and does nothing when the target shape is already there.
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// Migration is one schema upgrade step.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// Executor runs a function inside a write transaction.
type Executor interface {
	Update(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// VersionStore persists the last applied migration version.
type VersionStore interface {
	Load() (int, error)
	Save(version int) error
}

// Error reports the migration that aborted a run.
type Error struct {
	Version     int
	Description string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Description, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result describes a completed run.
type Result struct {
	From    int
	To      int
	Applied []int
}

// Runner applies pending migrations in ascending version order.
type Runner struct {
	exec       Executor
	versions   VersionStore
	migrations []Migration
	logger     *zap.Logger
}

// NewRunner creates a runner over the given migrations. The slice is copied
// and sorted by version.
func NewRunner(exec Executor, versions VersionStore, migrations []Migration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })
	return &Runner{exec: exec, versions: versions, migrations: sorted, logger: logger}
}

// Target returns the highest known version.
func (r *Runner) Target() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Run applies every migration newer than the persisted version. Each runs in
// its own transaction and the version is saved right after it commits, so a
// failure leaves the persisted version at the last migration that succeeded.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	current, err := r.versions.Load()
	if err != nil {
		return nil, fmt.Errorf("load schema version: %w", err)
	}
	result := &Result{From: current, To: current}
	if current >= r.Target() {
		return result, nil
	}

	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		if err := r.exec.Update(ctx, func(tx *sql.Tx) error { return m.Up(ctx, tx) }); err != nil {
			r.logger.Error("migration failed",
				zap.Int("version", m.Version), zap.String("description", m.Description), zap.Error(err))
			return result, &Error{Version: m.Version, Description: m.Description, Err: err}
		}
		if err := r.versions.Save(m.Version); err != nil {
			return result, fmt.Errorf("save schema version %d: %w", m.Version, err)
		}
		result.To = m.Version
		result.Applied = append(result.Applied, m.Version)
		r.logger.Info("migration applied", zap.Int("version", m.Version), zap.String("description", m.Description))
	}
	return result, nil
}
