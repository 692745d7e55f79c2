package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/serviceflow/flowdesk/internal/records"
)

const contactColumns = `id, display_name, contact_address, status, next_follow_up, created_at`

func scanContact(r rowScanner) (records.Contact, error) {
	var c records.Contact
	var createdAt string
	var followUp sql.NullString
	if err := r.Scan(&c.ID, &c.DisplayName, &c.ContactAddress, &c.Status, &followUp, &createdAt); err != nil {
		return records.Contact{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return records.Contact{}, err
	}
	if c.NextFollowUp, err = parseNullableTime(followUp); err != nil {
		return records.Contact{}, err
	}
	return c, nil
}

func (a *Account) queryContacts(ctx context.Context, op, tail string, args ...any) ([]records.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE account_id = ? ` + tail
	rows, err := a.store.db.QueryContext(ctx, query, append([]any{a.id}, args...)...)
	if err != nil {
		return nil, records.Transient(op, err)
	}
	defer rows.Close()

	var result []records.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, records.Transient(op, err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, records.Transient(op, err)
	}
	return result, nil
}

// CountContacts returns the committed number of contacts of the account.
func (a *Account) CountContacts(ctx context.Context) (int, error) {
	var n int
	err := a.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE account_id = ?`, a.id).Scan(&n)
	if err != nil {
		return 0, records.Transient("count contacts", err)
	}
	return n, nil
}

// CreateContact inserts a contact only if the committed count is below the
// tier quota. Count and insert are one statement, so two concurrent
// creations cannot both take the last slot.
func (a *Account) CreateContact(ctx context.Context, nc records.NewContact) (records.Contact, error) {
	if err := nc.Validate(); err != nil {
		return records.Contact{}, err
	}
	quota, err := a.ContactQuota(ctx)
	if err != nil {
		return records.Contact{}, err
	}

	c := records.Contact{
		ID:             uuid.New().String(),
		DisplayName:    strings.TrimSpace(nc.DisplayName),
		ContactAddress: strings.TrimSpace(nc.ContactAddress),
		Status:         nc.Status,
		NextFollowUp:   nc.NextFollowUp,
		CreatedAt:      a.store.now().UTC().Truncate(0),
	}
	if c.Status == "" {
		c.Status = records.ContactNewLead
	}

	err = a.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (id, account_id, display_name, contact_address, status, next_follow_up, created_at)
			SELECT ?, ?, ?, ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM contacts WHERE account_id = ?) < ?`,
			c.ID, a.id, c.DisplayName, c.ContactAddress, c.Status, nullableTime(c.NextFollowUp), formatTime(c.CreatedAt),
			a.id, quota,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("quota %d reached: %w", quota, records.ErrQuotaExceeded)
		}
		_, err = a.appendAudit(ctx, tx, c.ID, records.AuditContactAdded, "")
		return err
	})
	if err != nil {
		return records.Contact{}, records.Transient("create contact", err)
	}
	return c, nil
}

// GetContact fetches a single contact.
func (a *Account) GetContact(ctx context.Context, id string) (records.Contact, error) {
	row := a.store.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE account_id = ? AND id = ?`, a.id, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return records.Contact{}, records.ErrNotFound
	}
	if err != nil {
		return records.Contact{}, records.Transient("get contact", err)
	}
	return c, nil
}

// ListContacts returns contacts newest first. A non-empty search keeps only
// contacts whose name or address contains it, ignoring case.
func (a *Account) ListContacts(ctx context.Context, search string) ([]records.Contact, error) {
	search = strings.TrimSpace(search)
	if search == "" {
		return a.queryContacts(ctx, "list contacts", `ORDER BY created_at DESC, id ASC`)
	}
	pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
	return a.queryContacts(ctx, "search contacts",
		`AND (lower(display_name) LIKE ? ESCAPE '\' OR lower(contact_address) LIKE ? ESCAPE '\')
		ORDER BY created_at DESC, id ASC`, pattern, pattern)
}

// UpcomingFollowUps returns contacts with a follow-up date, earliest first.
func (a *Account) UpcomingFollowUps(ctx context.Context, limit int) ([]records.Contact, error) {
	if limit <= 0 {
		limit = 3
	}
	return a.queryContacts(ctx, "list follow-ups",
		`AND next_follow_up IS NOT NULL ORDER BY next_follow_up ASC, id ASC LIMIT ?`, limit)
}

// UpdateContact applies a partial update and returns the stored contact.
func (a *Account) UpdateContact(ctx context.Context, id string, patch records.ContactPatch) (records.Contact, error) {
	if err := patch.Validate(); err != nil {
		return records.Contact{}, err
	}

	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, strings.TrimSpace(*patch.Status))
	}
	switch {
	case patch.ClearFollowUp:
		sets = append(sets, "next_follow_up = NULL")
	case patch.NextFollowUp != nil:
		sets = append(sets, "next_follow_up = ?")
		args = append(args, nullableTime(patch.NextFollowUp))
	}
	if len(sets) == 0 {
		return a.GetContact(ctx, id)
	}

	args = append(args, a.id, id)
	res, err := a.store.db.ExecContext(ctx,
		`UPDATE contacts SET `+strings.Join(sets, ", ")+` WHERE account_id = ? AND id = ?`, args...)
	if err != nil {
		return records.Contact{}, records.Transient("update contact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return records.Contact{}, records.Transient("update contact", err)
	}
	if n == 0 {
		return records.Contact{}, records.ErrNotFound
	}
	return a.GetContact(ctx, id)
}

// DeleteContact removes a contact and its notes, freeing one quota slot.
func (a *Account) DeleteContact(ctx context.Context, id string) error {
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE account_id = ? AND id = ?`, a.id, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return records.ErrNotFound
		}
		if err := deleteNotesOf(ctx, tx, a.id, id); err != nil {
			return err
		}
		_, err = a.appendAudit(ctx, tx, id, records.AuditContactDel, "")
		return err
	})
	if err != nil {
		return records.Transient("delete contact", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
