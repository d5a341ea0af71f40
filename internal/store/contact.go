package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/tripsafe/internal/model"
)

const contactUpsert = `
	INSERT INTO contacts (id, user_id, name, email, group_tag)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		name = excluded.name,
		email = excluded.email,
		group_tag = excluded.group_tag`

// SaveContact inserts or updates a contact.
func (db *DB) SaveContact(ctx context.Context, c *model.Contact) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, contactUpsert, c.ID, c.UserID, c.Name, c.Email, c.Group); err != nil {
			return fmt.Errorf("save contact %d: %w", c.ID, err)
		}
		return nil
	})
}

// ReplaceContacts swaps every confirmed contact for contacts. Temporary
// contacts (negative ids) are still waiting to be synced and are kept.
func (db *DB) ReplaceContacts(ctx context.Context, contacts []model.Contact) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		return withSavepoint(tx, "replace_contacts", func() error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id > 0`); err != nil {
				return fmt.Errorf("clear contacts: %w", err)
			}
			for _, c := range contacts {
				if _, err := tx.ExecContext(ctx, contactUpsert, c.ID, c.UserID, c.Name, c.Email, c.Group); err != nil {
					return fmt.Errorf("insert contact %d: %w", c.ID, err)
				}
			}
			return nil
		})
	})
}

// ReplaceTemporaryContact swaps the locally created contact tempID for the
// authoritative row.
func (db *DB) ReplaceTemporaryContact(ctx context.Context, tempID int64, c *model.Contact) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, tempID); err != nil {
			return fmt.Errorf("delete temporary contact %d: %w", tempID, err)
		}
		if _, err := tx.ExecContext(ctx, contactUpsert, c.ID, c.UserID, c.Name, c.Email, c.Group); err != nil {
			return fmt.Errorf("save contact %d: %w", c.ID, err)
		}
		for _, col := range []string{"contact1", "contact2", "contact3"} {
			if _, err := tx.ExecContext(ctx, `UPDATE trips SET `+col+` = ? WHERE `+col+` = ?`, c.ID, tempID); err != nil {
				return fmt.Errorf("remap trip %s: %w", col, err)
			}
		}
		return nil
	})
}

// NextTemporaryContactID returns a negative id not used by any cached contact.
func (db *DB) NextTemporaryContactID(ctx context.Context) (int64, error) {
	var minID int64
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COALESCE(MIN(id), 0) FROM contacts WHERE id < 0`).Scan(&minID)
	})
	if err != nil {
		return 0, err
	}
	return minID - 1, nil
}

// ListContacts returns every cached contact ordered by name.
func (db *DB) ListContacts(ctx context.Context) ([]model.Contact, error) {
	var contacts []model.Contact
	err := db.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id, name, email, group_tag FROM contacts ORDER BY name COLLATE NOCASE, id`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var c model.Contact
			if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Group); err != nil {
				return err
			}
			contacts = append(contacts, c)
		}
		return rows.Err()
	})
	return contacts, err
}

// GetContact returns a contact by id or ErrNotFound.
func (db *DB) GetContact(ctx context.Context, id int64) (*model.Contact, error) {
	var c model.Contact
	err := db.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT id, user_id, name, email, group_tag FROM contacts WHERE id = ?`, id).
			Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Group)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteContact removes a contact from the cache.
func (db *DB) DeleteContact(ctx context.Context, id int64) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete contact %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
