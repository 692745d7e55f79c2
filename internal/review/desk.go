package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/serviceflow/flowdesk/internal/records"
)

var (
	// ErrUnknownEntry is returned for ids that are not in the view.
	ErrUnknownEntry = errors.New("entry not in the review queue")

	// ErrClosed is returned once the desk has been torn down.
	ErrClosed = errors.New("review desk closed")
)

// Committer writes a decision through to the record store.
type Committer interface {
	CommitDecision(ctx context.Context, id, finalText string, decision records.Decision) error
}

// Desk owns the operator's view of the queue. Poll merges and operator
// commands are serialized by a mutex that is never held across store calls.
type Desk struct {
	store  Committer
	logger *slog.Logger

	mu     sync.Mutex
	view   ViewState
	closed bool
}

// NewDesk returns an empty desk committing through store.
func NewDesk(store Committer, logger *slog.Logger) *Desk {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desk{
		store:  store,
		logger: logger,
		view:   NewViewState(),
	}
}

// Reconcile merges a remote snapshot into the view.
func (d *Desk) Reconcile(remote []records.Entry) (MergeReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return MergeReport{}, ErrClosed
	}
	next, report := Merge(d.view, remote)
	d.view = next
	for _, id := range report.Conflicts {
		d.logger.Warn("entry decided elsewhere, local edit discarded", "entry_id", id)
	}
	return report, nil
}

// Edit replaces the working draft of an entry. It never touches the store.
func (d *Desk) Edit(id, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	s, ok := d.view.Sessions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownEntry)
	}
	if err := s.edit(text); err != nil {
		return err
	}
	d.view.Sessions[id] = s
	return nil
}

// Approve commits the current draft of id as approved.
func (d *Desk) Approve(ctx context.Context, id string) error {
	return d.decide(ctx, id, records.DecisionApprove)
}

// Reject commits id as rejected.
func (d *Desk) Reject(ctx context.Context, id string) error {
	return d.decide(ctx, id, records.DecisionReject)
}

func (d *Desk) decide(ctx context.Context, id string, decision records.Decision) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	s, ok := d.view.Sessions[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownEntry)
	}
	text, err := s.begin(decision)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.view.Sessions[id] = s
	d.mu.Unlock()

	// Once submitted, a decision runs to completion even if the caller
	// goes away; only its effect on a closed view is dropped.
	commitErr := d.store.CommitDecision(context.WithoutCancel(ctx), id, text, decision)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Debug("discarding commit result for closed desk", "entry_id", id, "error", commitErr)
		return commitErr
	}

	s = d.view.Sessions[id]
	s.resolve(decision, commitErr)

	switch {
	case commitErr == nil:
		d.drop(id)
		d.view.Decided[id] = struct{}{}
		d.logger.Info("decision submitted", "entry_id", id, "decision", decision)
		return nil
	case errors.Is(commitErr, records.ErrStaleEntry), errors.Is(commitErr, records.ErrNotFound):
		d.drop(id)
		d.logger.Warn("entry already decided, refresh the queue", "entry_id", id, "error", commitErr)
		return commitErr
	default:
		d.view.Sessions[id] = s
		d.logger.Warn("decision failed", "entry_id", id, "decision", decision, "error", commitErr)
		return commitErr
	}
}

func (d *Desk) drop(id string) {
	delete(d.view.Sessions, id)
	d.view.Order = slices.DeleteFunc(d.view.Order, func(o string) bool { return o == id })
}

// Session returns a copy of the session for id.
func (d *Desk) Session(id string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.view.Sessions[id]
	return s, ok
}

// Sessions returns copies of all sessions in display order.
func (d *Desk) Sessions() []Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Session, 0, len(d.view.Order))
	for _, id := range d.view.Order {
		out = append(out, d.view.Sessions[id])
	}
	return out
}

// View returns a copy of the current view state.
func (d *Desk) View() ViewState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view.clone()
}

// Close tears the desk down. Commits already in flight finish but their
// results no longer change the view.
func (d *Desk) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}
