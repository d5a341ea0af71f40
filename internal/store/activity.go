package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/tripsafe/internal/model"
)

// ReplaceActivities swaps the cached reference data for activities in one
// all-or-nothing step.
func (db *DB) ReplaceActivities(ctx context.Context, activities []model.Activity) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		return withSavepoint(tx, "replace_activities", func() error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM activities`); err != nil {
				return fmt.Errorf("clear activities: %w", err)
			}
			for _, a := range activities {
				messages, err := json.Marshal(a.Messages)
				if err != nil {
					return fmt.Errorf("encode activity %d messages: %w", a.ID, err)
				}
				tips := a.SafetyTips
				if tips == nil {
					tips = []string{}
				}
				tipsJSON, err := json.Marshal(tips)
				if err != nil {
					return fmt.Errorf("encode activity %d tips: %w", a.ID, err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO activities (id, name, icon, default_grace_minutes,
						color_primary, color_secondary, color_accent, messages, safety_tips, sort_order)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					a.ID, a.Name, a.Icon, a.DefaultGraceMinutes,
					a.Colors.Primary, a.Colors.Secondary, a.Colors.Accent,
					string(messages), string(tipsJSON), a.SortOrder); err != nil {
					return fmt.Errorf("insert activity %d: %w", a.ID, err)
				}
			}
			return nil
		})
	})
}

const activitySelect = `
	SELECT id, name, icon, default_grace_minutes, color_primary, color_secondary, color_accent,
		messages, safety_tips, sort_order
	FROM activities`

func scanActivity(row rowScanner) (model.Activity, error) {
	var (
		a              model.Activity
		messages, tips string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Icon, &a.DefaultGraceMinutes,
		&a.Colors.Primary, &a.Colors.Secondary, &a.Colors.Accent,
		&messages, &tips, &a.SortOrder); err != nil {
		return model.Activity{}, err
	}
	if err := json.Unmarshal([]byte(messages), &a.Messages); err != nil {
		return model.Activity{}, fmt.Errorf("decode activity %d messages: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(tips), &a.SafetyTips); err != nil {
		return model.Activity{}, fmt.Errorf("decode activity %d tips: %w", a.ID, err)
	}
	return a, nil
}

// ListActivities returns cached activities in display order.
func (db *DB) ListActivities(ctx context.Context) ([]model.Activity, error) {
	var activities []model.Activity
	err := db.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, activitySelect+` ORDER BY sort_order ASC, id ASC`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			a, err := scanActivity(rows)
			if err != nil {
				return err
			}
			activities = append(activities, a)
		}
		return rows.Err()
	})
	return activities, err
}

// GetActivity returns one cached activity or ErrNotFound.
func (db *DB) GetActivity(ctx context.Context, id int64) (*model.Activity, error) {
	var activity *model.Activity
	err := db.View(ctx, func(tx *sql.Tx) error {
		a, err := scanActivity(tx.QueryRowContext(ctx, activitySelect+` WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		activity = &a
		return nil
	})
	return activity, err
}
