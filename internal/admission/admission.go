package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/serviceflow/flowdesk/internal/records"
)

// Verdict is the outcome of an admission check.
type Verdict int

const (
	Denied Verdict = iota
	Allowed
)

func (v Verdict) String() string {
	if v == Allowed {
		return "allowed"
	}
	return "denied"
}

// RequestCreate allows a creation iff currentCount < quota. A quota of zero
// or below denies everything.
func RequestCreate(currentCount, quota int) Verdict {
	if currentCount < quota {
		return Allowed
	}
	return Denied
}

// UpgradeRequiredError is returned when a creation is denied by the tier
// quota. It matches records.ErrQuotaExceeded with errors.Is.
type UpgradeRequiredError struct {
	Count      int
	Quota      int
	UpgradeURL string
}

func (e *UpgradeRequiredError) Error() string {
	return fmt.Sprintf("contact quota reached (%d of %d): upgrade your plan", e.Count, e.Quota)
}

func (e *UpgradeRequiredError) Unwrap() error { return records.ErrQuotaExceeded }

// ContactCreator is the slice of records.Client the Gate needs.
type ContactCreator interface {
	CountContacts(ctx context.Context) (int, error)
	CreateContact(ctx context.Context, c records.NewContact) (records.Contact, error)
}

// Gate consults RequestCreate with a freshly read count before writing.
// The pre-check only saves a round trip; the store's conditional insert
// stays authoritative and its denial is reported the same way.
type Gate struct {
	store      ContactCreator
	quota      records.QuotaSource
	upgradeURL string
	logger     *slog.Logger
}

// NewGate returns a Gate. upgradeURL is attached to every denial. logger
// may be nil.
func NewGate(store ContactCreator, quota records.QuotaSource, upgradeURL string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:      store,
		quota:      quota,
		upgradeURL: upgradeURL,
		logger:     logger,
	}
}

// Check refreshes count and quota and returns the verdict without writing.
func (g *Gate) Check(ctx context.Context) (Verdict, int, int, error) {
	quota, err := g.quota.ContactQuota(ctx)
	if err != nil {
		return Denied, 0, 0, fmt.Errorf("reading quota: %w", err)
	}
	count, err := g.store.CountContacts(ctx)
	if err != nil {
		return Denied, 0, quota, fmt.Errorf("counting contacts: %w", err)
	}
	return RequestCreate(count, quota), count, quota, nil
}

// Create validates nc, checks admission and creates the contact. A denial,
// whether from the pre-check or from the store, returns
// *UpgradeRequiredError and no write is attempted after a pre-check denial.
func (g *Gate) Create(ctx context.Context, nc records.NewContact) (records.Contact, error) {
	if err := nc.Validate(); err != nil {
		return records.Contact{}, err
	}

	verdict, count, quota, err := g.Check(ctx)
	if err != nil {
		return records.Contact{}, err
	}
	if verdict == Denied {
		g.logger.Info("contact creation denied", "count", count, "quota", quota)
		return records.Contact{}, g.denial(count, quota)
	}

	c, err := g.store.CreateContact(ctx, nc)
	if errors.Is(err, records.ErrQuotaExceeded) {
		// Lost a race with another creator between count and write.
		g.logger.Info("contact creation denied by store", "count", count, "quota", quota)
		var upgrade *UpgradeRequiredError
		if errors.As(err, &upgrade) {
			if upgrade.UpgradeURL == "" {
				upgrade.UpgradeURL = g.upgradeURL
			}
			return records.Contact{}, upgrade
		}
		return records.Contact{}, g.denial(quota, quota)
	}
	if err != nil {
		return records.Contact{}, err
	}
	return c, nil
}

func (g *Gate) denial(count, quota int) *UpgradeRequiredError {
	return &UpgradeRequiredError{Count: count, Quota: quota, UpgradeURL: g.upgradeURL}
}
