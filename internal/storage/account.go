package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/serviceflow/flowdesk/internal/records"
)

var (
	_ records.Client      = (*Account)(nil)
	_ records.QuotaSource = (*Account)(nil)
)

// Account is the store seen through a single account. Every query is
// scoped by account_id; rows of other accounts are invisible.
type Account struct {
	store    *Store
	id       string
	fallback records.Tier
	logger   *slog.Logger
}

// Account returns an account-scoped view of the store. fallback is the tier
// used when the account has no tier row of its own.
func (s *Store) Account(id string, fallback records.Tier) *Account {
	return &Account{
		store:    s,
		id:       id,
		fallback: fallback,
		logger:   slog.Default().With("account_id", id),
	}
}

// ID returns the account identifier.
func (a *Account) ID() string {
	return a.id
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (a *Account) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// appendAudit writes one audit row through ex so it commits together with
// the change it describes.
func (a *Account) appendAudit(ctx context.Context, ex execer, subjectID, action, detail string) (string, error) {
	id := uuid.New().String()
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_log (id, account_id, subject_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, a.id, subjectID, action, detail, formatTime(a.store.now()),
	)
	if err != nil {
		return "", fmt.Errorf("appending audit record: %w", err)
	}
	return id, nil
}

// ListAudit returns the newest audit records first.
func (a *Account) ListAudit(ctx context.Context, limit int) ([]records.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.store.db.QueryContext(ctx, `
		SELECT id, subject_id, action, detail, created_at
		FROM audit_log WHERE account_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, a.id, limit,
	)
	if err != nil {
		return nil, records.Transient("list audit", err)
	}
	defer rows.Close()

	var result []records.AuditRecord
	for rows.Next() {
		var r records.AuditRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.Action, &r.Detail, &createdAt); err != nil {
			return nil, records.Transient("list audit", err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, records.Transient("list audit", err)
	}
	return result, nil
}

// Tier returns the account's tier, or the fallback when none is stored.
func (a *Account) Tier(ctx context.Context) (records.Tier, error) {
	var t records.Tier
	err := a.store.db.QueryRowContext(ctx,
		`SELECT tier, contact_quota FROM account_tiers WHERE account_id = ?`, a.id,
	).Scan(&t.Name, &t.ContactQuota)
	if err == sql.ErrNoRows {
		return a.fallback, nil
	}
	if err != nil {
		return records.Tier{}, records.Transient("read tier", err)
	}
	return t, nil
}

// SetTier stores the account's tier. Used by operators and billing hooks;
// the review and admission paths only read it.
func (a *Account) SetTier(ctx context.Context, t records.Tier) error {
	if t.Name == "" {
		return &records.ValidationError{Field: "tier", Reason: "is required"}
	}
	if t.ContactQuota < 0 {
		return &records.ValidationError{Field: "contact_quota", Reason: "must not be negative"}
	}
	_, err := a.store.db.ExecContext(ctx, `
		INSERT INTO account_tiers (account_id, tier, contact_quota, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET tier = excluded.tier,
			contact_quota = excluded.contact_quota, updated_at = excluded.updated_at`,
		a.id, t.Name, t.ContactQuota, formatTime(a.store.now()),
	)
	if err != nil {
		return records.Transient("set tier", err)
	}
	return nil
}

// ContactQuota implements records.QuotaSource.
func (a *Account) ContactQuota(ctx context.Context) (int, error) {
	t, err := a.Tier(ctx)
	if err != nil {
		return 0, err
	}
	return t.ContactQuota, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
