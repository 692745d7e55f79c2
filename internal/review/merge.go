package review

import "github.com/serviceflow/flowdesk/internal/records"

// ViewState is the local view of the queue: sessions keyed by entry id in
// display order, plus ids this view has already decided.
type ViewState struct {
	Order    []string
	Sessions map[string]Session
	// Decided holds ids committed from this view that the remote may still
	// list as pending in a snapshot taken before the commit landed.
	Decided map[string]struct{}
}

// NewViewState returns an empty view.
func NewViewState() ViewState {
	return ViewState{
		Sessions: make(map[string]Session),
		Decided:  make(map[string]struct{}),
	}
}

// MergeReport describes what a merge changed.
type MergeReport struct {
	Added   []string
	Removed []string
	// Conflicts lists removed ids that carried unsaved operator edits: the
	// entry was decided elsewhere.
	Conflicts []string
	// Busy lists ids left untouched because a commit is in flight.
	Busy []string
	// Pending lists the ids still awaiting a decision in the merged view,
	// in display order. Notification counts are taken from it.
	Pending []string
}

// Merge reconciles prev with a remote snapshot of pending entries and
// returns the new view. prev is not modified.
//
// An id new to the view gets a fresh pending session. A session with
// unsaved edits keeps its text. A submitting session is never touched. A
// session whose id is missing from the snapshot is dropped, and reported as
// a conflict if it carried edits.
func Merge(prev ViewState, remote []records.Entry) (ViewState, MergeReport) {
	next := ViewState{
		Order:    make([]string, 0, len(remote)),
		Sessions: make(map[string]Session, len(remote)),
		Decided:  make(map[string]struct{}, len(prev.Decided)),
	}
	var report MergeReport

	seen := make(map[string]struct{}, len(remote))
	for _, e := range remote {
		if e.Status != "" && e.Status != records.StatusPending {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}

		if _, done := prev.Decided[e.ID]; done {
			next.Decided[e.ID] = struct{}{}
			continue
		}

		old, ok := prev.Sessions[e.ID]
		switch {
		case !ok:
			next.Sessions[e.ID] = newSession(e)
			report.Added = append(report.Added, e.ID)
		case old.State == StateSubmitting:
			next.Sessions[e.ID] = old
			report.Busy = append(report.Busy, e.ID)
		case old.unsaved():
			old.Entry = e
			next.Sessions[e.ID] = old
		default:
			next.Sessions[e.ID] = newSession(e)
		}
		next.Order = append(next.Order, e.ID)
	}

	for _, id := range prev.Order {
		if _, ok := seen[id]; ok {
			continue
		}
		old, ok := prev.Sessions[id]
		if !ok {
			continue
		}
		if old.State == StateSubmitting {
			next.Sessions[id] = old
			next.Order = append(next.Order, id)
			report.Busy = append(report.Busy, id)
			continue
		}
		report.Removed = append(report.Removed, id)
		if old.unsaved() {
			report.Conflicts = append(report.Conflicts, id)
		}
	}

	report.Pending = next.PendingIDs()
	return next, report
}

// clone returns a deep enough copy of v for copy-on-write updates.
func (v ViewState) clone() ViewState {
	out := ViewState{
		Order:    append([]string(nil), v.Order...),
		Sessions: make(map[string]Session, len(v.Sessions)),
		Decided:  make(map[string]struct{}, len(v.Decided)),
	}
	for id, s := range v.Sessions {
		out.Sessions[id] = s
	}
	for id := range v.Decided {
		out.Decided[id] = struct{}{}
	}
	return out
}

// PendingIDs returns the ids in display order.
func (v ViewState) PendingIDs() []string {
	return append([]string(nil), v.Order...)
}
