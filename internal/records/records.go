package records

import (
	"context"
	"time"
)

// Status is the lifecycle state of a review queue entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Decision is the operator's verdict on a pending entry.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Status returns the terminal status a decision commits.
func (d Decision) Status() (Status, error) {
	switch d {
	case DecisionApprove:
		return StatusApproved, nil
	case DecisionReject:
		return StatusRejected, nil
	}
	return "", &ValidationError{Field: "decision", Reason: "must be approve or reject"}
}

// Entry is a single proposed outbound communication awaiting a human decision.
type Entry struct {
	ID              string     `json:"id"`
	SourceIdentity  string     `json:"source_identity"`
	SubjectLine     string     `json:"subject_line"`
	OriginalExcerpt string     `json:"original_excerpt"`
	DraftText       string     `json:"draft_text"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	DispatchedAt    *time.Time `json:"dispatched_at,omitempty"`
}

// Contact statuses used by the status toggle.
const (
	ContactNewLead      = "New Lead"
	ContactActiveClient = "Active Client"
)

// ToggleContactStatus flips between the two standard lifecycle tags.
// Any other tag becomes ContactActiveClient.
func ToggleContactStatus(current string) string {
	if current == ContactActiveClient {
		return ContactNewLead
	}
	return ContactActiveClient
}

type Contact struct {
	ID             string     `json:"id"`
	DisplayName    string     `json:"display_name"`
	ContactAddress string     `json:"contact_address"`
	Status         string     `json:"status"`
	NextFollowUp   *time.Time `json:"next_follow_up,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewContact carries the operator-supplied fields for a creation request.
type NewContact struct {
	DisplayName    string     `json:"display_name"`
	ContactAddress string     `json:"contact_address"`
	Status         string     `json:"status,omitempty"`
	NextFollowUp   *time.Time `json:"next_follow_up,omitempty"`
}

// Validate rejects requests that must never reach the store.
func (c NewContact) Validate() error {
	if blank(c.DisplayName) {
		return &ValidationError{Field: "display_name", Reason: "is required"}
	}
	return nil
}

// ContactPatch is a partial update. Nil fields are left untouched;
// ClearFollowUp removes the follow-up date.
type ContactPatch struct {
	Status        *string    `json:"status,omitempty"`
	NextFollowUp  *time.Time `json:"next_follow_up,omitempty"`
	ClearFollowUp bool       `json:"clear_follow_up,omitempty"`
}

func (p ContactPatch) Validate() error {
	if p.Status != nil && blank(*p.Status) {
		return &ValidationError{Field: "status", Reason: "must not be empty"}
	}
	if p.NextFollowUp != nil && p.ClearFollowUp {
		return &ValidationError{Field: "next_follow_up", Reason: "cannot set and clear in one patch"}
	}
	return nil
}

// ContactNote is a free-text note attached to a contact.
type ContactNote struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contact_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is typed access to the review queue and tracked contacts of a
// single account.
type Client interface {
	ListPending(ctx context.Context) ([]Entry, error)
	CommitDecision(ctx context.Context, id, finalText string, decision Decision) error
	CountContacts(ctx context.Context) (int, error)
	CreateContact(ctx context.Context, c NewContact) (Contact, error)
	UpdateContact(ctx context.Context, id string, patch ContactPatch) (Contact, error)
	DeleteContact(ctx context.Context, id string) error
}

// QuotaSource supplies the TrackedContact limit of the current tier.
type QuotaSource interface {
	ContactQuota(ctx context.Context) (int, error)
}

// StaticQuota is a fixed quota, typically read from configuration.
type StaticQuota int

func (q StaticQuota) ContactQuota(context.Context) (int, error) {
	return int(q), nil
}

// Proposal is what the Agent submits to open a new pending entry.
// An empty ID is replaced by a generated one.
type Proposal struct {
	ID              string `json:"id,omitempty"`
	SourceIdentity  string `json:"source_identity"`
	SubjectLine     string `json:"subject_line"`
	OriginalExcerpt string `json:"original_excerpt"`
	DraftText       string `json:"draft_text"`
}

func (p Proposal) Validate() error {
	if blank(p.SourceIdentity) {
		return &ValidationError{Field: "source_identity", Reason: "is required"}
	}
	if blank(p.DraftText) {
		return &ValidationError{Field: "draft_text", Reason: "is required"}
	}
	return nil
}

// Audit actions.
const (
	AuditApproved     = "approved"
	AuditRejected     = "rejected"
	AuditDispatched   = "dispatched"
	AuditProposed     = "proposed"
	AuditContactAdded = "contact_added"
	AuditContactDel   = "contact_deleted"
)

// AuditRecord is one line of the decision audit trail. Detail carries
// metadata only, never draft content.
type AuditRecord struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Tier is the subscription level of an account and its contact cap.
type Tier struct {
	Name         string `json:"name"`
	ContactQuota int    `json:"contact_quota"`
}
