package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"github.com/serviceflow/flowdesk/internal/records"
)

// AddNote attaches a note to one of the account's contacts.
func (a *Account) AddNote(ctx context.Context, contactID, content string) (records.ContactNote, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return records.ContactNote{}, &records.ValidationError{Field: "content", Reason: "is required"}
	}

	n := records.ContactNote{
		ID:        uuid.New().String(),
		ContactID: contactID,
		Content:   content,
		CreatedAt: a.store.now().UTC().Truncate(0),
	}
	// The insert selects from contacts so a note can only land on a contact
	// that exists in this account.
	res, err := a.store.db.ExecContext(ctx, `
		INSERT INTO contact_notes (id, account_id, contact_id, content, created_at)
		SELECT ?, ?, id, ?, ? FROM contacts WHERE account_id = ? AND id = ?`,
		n.ID, a.id, n.Content, formatTime(n.CreatedAt), a.id, contactID,
	)
	if err != nil {
		return records.ContactNote{}, records.Transient("add note", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return records.ContactNote{}, records.Transient("add note", err)
	} else if rows == 0 {
		return records.ContactNote{}, records.ErrNotFound
	}
	return n, nil
}

// ListNotes returns the notes of a contact, newest first.
func (a *Account) ListNotes(ctx context.Context, contactID string) ([]records.ContactNote, error) {
	if _, err := a.GetContact(ctx, contactID); err != nil {
		return nil, err
	}
	rows, err := a.store.db.QueryContext(ctx, `
		SELECT id, contact_id, content, created_at FROM contact_notes
		WHERE account_id = ? AND contact_id = ?
		ORDER BY created_at DESC, id ASC`, a.id, contactID)
	if err != nil {
		return nil, records.Transient("list notes", err)
	}
	defer rows.Close()

	notes := []records.ContactNote{}
	for rows.Next() {
		var n records.ContactNote
		var createdAt string
		if err := rows.Scan(&n.ID, &n.ContactID, &n.Content, &createdAt); err != nil {
			return nil, records.Transient("list notes", err)
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, records.Transient("list notes", err)
	}
	return notes, nil
}

// DeleteNote removes one note of a contact.
func (a *Account) DeleteNote(ctx context.Context, contactID, noteID string) error {
	res, err := a.store.db.ExecContext(ctx,
		`DELETE FROM contact_notes WHERE account_id = ? AND contact_id = ? AND id = ?`,
		a.id, contactID, noteID)
	if err != nil {
		return records.Transient("delete note", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return records.Transient("delete note", err)
	}
	if n == 0 {
		return records.ErrNotFound
	}
	return nil
}

func deleteNotesOf(ctx context.Context, tx *sql.Tx, accountID, contactID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM contact_notes WHERE account_id = ? AND contact_id = ?`, accountID, contactID)
	return err
}
