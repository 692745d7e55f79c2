package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/serviceflow/flowdesk/internal/records"
)

const entryColumns = `id, source_identity, subject_line, original_excerpt, draft_text, status, created_at, decided_at, dispatched_at`

func scanEntry(r rowScanner) (records.Entry, error) {
	var e records.Entry
	var status, createdAt string
	var decidedAt, dispatchedAt sql.NullString
	if err := r.Scan(&e.ID, &e.SourceIdentity, &e.SubjectLine, &e.OriginalExcerpt, &e.DraftText,
		&status, &createdAt, &decidedAt, &dispatchedAt); err != nil {
		return records.Entry{}, err
	}
	e.Status = records.Status(status)

	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return records.Entry{}, err
	}
	if e.DecidedAt, err = parseNullableTime(decidedAt); err != nil {
		return records.Entry{}, err
	}
	if e.DispatchedAt, err = parseNullableTime(dispatchedAt); err != nil {
		return records.Entry{}, err
	}
	return e, nil
}

func (a *Account) queryEntries(ctx context.Context, op, where string, args ...any) ([]records.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM review_queue WHERE account_id = ? AND ` + where
	rows, err := a.store.db.QueryContext(ctx, query, append([]any{a.id}, args...)...)
	if err != nil {
		return nil, records.Transient(op, err)
	}
	defer rows.Close()

	var result []records.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, records.Transient(op, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, records.Transient(op, err)
	}
	return result, nil
}

// Propose inserts a new pending entry on behalf of the Agent.
func (a *Account) Propose(ctx context.Context, p records.Proposal) (records.Entry, error) {
	if err := p.Validate(); err != nil {
		return records.Entry{}, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := a.store.now()

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_queue WHERE id = ?`, p.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("entry %s: %w", p.ID, records.ErrDuplicate)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_queue (id, account_id, source_identity, subject_line, original_excerpt, draft_text, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
			p.ID, a.id, p.SourceIdentity, p.SubjectLine, p.OriginalExcerpt, p.DraftText, formatTime(now),
		); err != nil {
			return err
		}
		_, err := a.appendAudit(ctx, tx, p.ID, records.AuditProposed, "source="+p.SourceIdentity)
		return err
	})
	if err != nil {
		return records.Entry{}, records.Transient("propose entry", err)
	}

	return records.Entry{
		ID:              p.ID,
		SourceIdentity:  p.SourceIdentity,
		SubjectLine:     p.SubjectLine,
		OriginalExcerpt: p.OriginalExcerpt,
		DraftText:       p.DraftText,
		Status:          records.StatusPending,
		CreatedAt:       now.UTC().Truncate(0),
	}, nil
}

// ListPending returns pending entries, newest first.
func (a *Account) ListPending(ctx context.Context) ([]records.Entry, error) {
	return a.queryEntries(ctx, "list pending", `status = 'pending' ORDER BY created_at DESC, id ASC`)
}

// GetEntry fetches an entry in any status.
func (a *Account) GetEntry(ctx context.Context, id string) (records.Entry, error) {
	row := a.store.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM review_queue WHERE account_id = ? AND id = ?`, a.id, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return records.Entry{}, records.ErrNotFound
	}
	if err != nil {
		return records.Entry{}, records.Transient("get entry", err)
	}
	return e, nil
}

// CommitDecision moves a pending entry to its terminal status and stores
// finalText as the draft. The update is conditional on status = 'pending';
// when another actor got there first it returns records.ErrStaleEntry.
func (a *Account) CommitDecision(ctx context.Context, id, finalText string, decision records.Decision) error {
	status, err := decision.Status()
	if err != nil {
		return err
	}
	if decision == records.DecisionApprove && strings.TrimSpace(finalText) == "" {
		return &records.ValidationError{Field: "draft_text", Reason: "cannot approve an empty draft"}
	}

	var auditID string
	err = a.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE review_queue SET status = ?, draft_text = ?, decided_at = ?
			WHERE account_id = ? AND id = ? AND status = 'pending'`,
			string(status), finalText, formatTime(a.store.now()), a.id, id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return a.classifyMiss(ctx, tx, id)
		}
		auditID, err = a.appendAudit(ctx, tx, id, string(status), fmt.Sprintf("chars=%d", len(finalText)))
		return err
	})
	if err != nil {
		return records.Transient("commit decision", err)
	}

	a.logger.Info("decision committed", "entry_id", id, "status", status, "audit_id", shortID(auditID))
	return nil
}

// classifyMiss explains why a conditional update touched no row.
func (a *Account) classifyMiss(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM review_queue WHERE account_id = ? AND id = ?`, a.id, id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("entry %s: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("entry %s is %s: %w", id, status, records.ErrStaleEntry)
}

// ListApproved returns approved entries that have not been dispatched yet,
// oldest decision first. This is the dispatcher's work list.
func (a *Account) ListApproved(ctx context.Context, limit int) ([]records.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries(ctx, "list approved",
		`status = 'approved' AND dispatched_at IS NULL ORDER BY decided_at ASC, id ASC LIMIT ?`, limit)
}

// MarkDispatched records that an approved entry has been sent. It succeeds
// once per entry; a second call, or a call on an entry that is not approved,
// returns records.ErrStaleEntry.
func (a *Account) MarkDispatched(ctx context.Context, id string) error {
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE review_queue SET dispatched_at = ?
			WHERE account_id = ? AND id = ? AND status = 'approved' AND dispatched_at IS NULL`,
			formatTime(a.store.now()), a.id, id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return a.classifyMiss(ctx, tx, id)
		}
		_, err = a.appendAudit(ctx, tx, id, records.AuditDispatched, "")
		return err
	})
	if err != nil {
		return records.Transient("mark dispatched", err)
	}
	return nil
}
