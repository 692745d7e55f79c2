package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/serviceflow/flowdesk/internal/notify"
	"github.com/serviceflow/flowdesk/internal/records"
)

// fakeStore is an in-memory record store with the same conditional-commit
// contract as the real one.
type fakeStore struct {
	mu       sync.Mutex
	entries  map[string]records.Entry
	listErr  error
	commitFn func(ctx context.Context, id, text string, d records.Decision) error
	commits  int
}

func newFakeStore(entries ...records.Entry) *fakeStore {
	f := &fakeStore{entries: make(map[string]records.Entry)}
	for _, e := range entries {
		f.entries[e.ID] = e
	}
	return f
}

func (f *fakeStore) ListPending(ctx context.Context) ([]records.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []records.Entry
	for _, e := range f.entries {
		if e.Status == records.StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CommitDecision(ctx context.Context, id, text string, d records.Decision) error {
	if f.commitFn != nil {
		if err := f.commitFn(ctx, id, text, d); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	e, ok := f.entries[id]
	if !ok {
		return records.ErrNotFound
	}
	if e.Status != records.StatusPending {
		return fmt.Errorf("entry %s is %s: %w", id, e.Status, records.ErrStaleEntry)
	}
	status, err := d.Status()
	if err != nil {
		return err
	}
	e.Status = status
	e.DraftText = text
	f.entries[id] = e
	return nil
}

func (f *fakeStore) get(id string) records.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[id]
}

// decideElsewhere simulates another operator committing id.
func (f *fakeStore) decideElsewhere(id string, status records.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[id]
	e.Status = status
	f.entries[id] = e
}

func pending(id, draft string) records.Entry {
	return records.Entry{
		ID:             id,
		SourceIdentity: id + "@example.com",
		SubjectLine:    "subject " + id,
		DraftText:      draft,
		Status:         records.StatusPending,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func ids(sessions []Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.Entry.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergeAddsNewEntries(t *testing.T) {
	v, report := Merge(NewViewState(), []records.Entry{pending("a", "x"), pending("b", "y")})

	if !equalIDs(v.Order, []string{"a", "b"}) {
		t.Errorf("Order = %v", v.Order)
	}
	if !equalIDs(report.Added, []string{"a", "b"}) {
		t.Errorf("Added = %v", report.Added)
	}
	if s := v.Sessions["a"]; s.State != StatePending || s.Draft != "x" || s.Edited {
		t.Errorf("session a = %+v", s)
	}
}

func TestMergeKeepsUnsavedEdit(t *testing.T) {
	prev, _ := Merge(NewViewState(), []records.Entry{pending("a", "agent text")})
	s := prev.Sessions["a"]
	if err := s.edit("operator text"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	prev.Sessions["a"] = s

	next, _ := Merge(prev, []records.Entry{pending("a", "agent revised")})
	if got := next.Sessions["a"].Draft; got != "operator text" {
		t.Errorf("Draft = %q, want operator text", got)
	}
	if got := prev.Sessions["a"].Draft; got != "operator text" {
		t.Errorf("prev mutated: %q", got)
	}
}

func TestMergeRefreshesUneditedDraft(t *testing.T) {
	prev, _ := Merge(NewViewState(), []records.Entry{pending("a", "v1")})
	next, _ := Merge(prev, []records.Entry{pending("a", "v2")})
	if got := next.Sessions["a"].Draft; got != "v2" {
		t.Errorf("Draft = %q, want v2", got)
	}
}

func TestMergeRemovesDecidedElsewhere(t *testing.T) {
	prev, _ := Merge(NewViewState(), []records.Entry{pending("a", "x"), pending("b", "y")})
	s := prev.Sessions["a"]
	s.edit("half written")
	prev.Sessions["a"] = s

	next, report := Merge(prev, nil)
	if len(next.Sessions) != 0 || len(next.Order) != 0 {
		t.Errorf("view not emptied: %+v", next)
	}
	if !equalIDs(report.Removed, []string{"a", "b"}) {
		t.Errorf("Removed = %v", report.Removed)
	}
	if !equalIDs(report.Conflicts, []string{"a"}) {
		t.Errorf("Conflicts = %v, want [a]", report.Conflicts)
	}
}

func TestMergeDropsNonPendingRemote(t *testing.T) {
	approved := pending("a", "x")
	approved.Status = records.StatusApproved

	v, _ := Merge(NewViewState(), []records.Entry{approved})
	if len(v.Sessions) != 0 {
		t.Errorf("non-pending entry merged: %+v", v.Sessions)
	}
}

func TestMergeLeavesSubmittingUntouched(t *testing.T) {
	prev, _ := Merge(NewViewState(), []records.Entry{pending("a", "x")})
	s := prev.Sessions["a"]
	s.edit("final")
	s.begin(records.DecisionApprove)
	prev.Sessions["a"] = s

	for _, remote := range [][]records.Entry{{pending("a", "other")}, nil} {
		next, report := Merge(prev, remote)
		got, ok := next.Sessions["a"]
		if !ok || got.State != StateSubmitting || got.Draft != "final" {
			t.Errorf("submitting session changed: %+v (present %v)", got, ok)
		}
		if !equalIDs(report.Busy, []string{"a"}) {
			t.Errorf("Busy = %v", report.Busy)
		}
	}
}

func TestMergeSkipsLocallyDecided(t *testing.T) {
	prev := NewViewState()
	prev.Decided["a"] = struct{}{}

	next, report := Merge(prev, []records.Entry{pending("a", "x")})
	if _, ok := next.Sessions["a"]; ok {
		t.Error("locally decided entry re-added from an old snapshot")
	}
	if len(report.Added) != 0 {
		t.Errorf("Added = %v", report.Added)
	}
	if _, ok := next.Decided["a"]; !ok {
		t.Error("tombstone dropped while remote still lists the id")
	}

	after, _ := Merge(next, nil)
	if len(after.Decided) != 0 {
		t.Errorf("tombstone kept after remote dropped it: %v", after.Decided)
	}
}

func TestSessionTransitions(t *testing.T) {
	s := newSession(pending("a", "draft"))

	if err := s.edit(""); err != nil {
		t.Fatalf("edit: %v", err)
	}
	_, err := s.begin(records.DecisionApprove)
	var ve *records.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("approve empty draft err = %v, want ValidationError", err)
	}
	if s.State != StatePending {
		t.Errorf("State = %s after validation failure, want pending", s.State)
	}

	text, err := s.begin(records.DecisionReject)
	if err != nil || text != "" {
		t.Fatalf("reject empty draft: %q, %v", text, err)
	}
	if err := s.edit("x"); !errors.Is(err, ErrBusy) {
		t.Errorf("edit while submitting err = %v, want ErrBusy", err)
	}
	if _, err := s.begin(records.DecisionApprove); !errors.Is(err, ErrBusy) {
		t.Errorf("second begin err = %v, want ErrBusy", err)
	}

	s.resolve(records.DecisionReject, nil)
	if s.State != StateCommitted || s.Outcome != records.StatusRejected {
		t.Errorf("after resolve: %+v", s)
	}
	if err := s.edit("x"); !errors.Is(err, ErrDecided) {
		t.Errorf("edit after commit err = %v, want ErrDecided", err)
	}
}

func TestSessionFailedIsRetryable(t *testing.T) {
	s := newSession(pending("a", "draft"))
	s.begin(records.DecisionApprove)
	s.resolve(records.DecisionApprove, &records.TransientError{Op: "commit", Err: errors.New("timeout")})

	if s.State != StateFailed || !s.Retryable() {
		t.Fatalf("session = %+v, want retryable failure", s)
	}
	if _, err := s.begin(records.DecisionApprove); err != nil {
		t.Errorf("retry begin: %v", err)
	}
}

func TestDeskEditThenApprovePersistsText(t *testing.T) {
	store := newFakeStore(pending("a", "agent draft"))
	d := NewDesk(store, nil)
	if _, err := d.Reconcile(mustList(t, store)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if err := d.Edit("a", "Hello"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := store.get("a").DraftText; got != "agent draft" {
		t.Errorf("Edit reached the store: %q", got)
	}
	if err := d.Approve(context.Background(), "a"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	got := store.get("a")
	if got.Status != records.StatusApproved || got.DraftText != "Hello" {
		t.Errorf("stored entry = %+v", got)
	}
	if _, ok := d.Session("a"); ok {
		t.Error("committed session still in view")
	}
}

func TestDeskStaleDecisionDiscardsLocalCopy(t *testing.T) {
	store := newFakeStore(pending("a", "x"))
	d := NewDesk(store, nil)
	d.Reconcile(mustList(t, store))
	d.Edit("a", "my edit")

	store.decideElsewhere("a", records.StatusRejected)

	err := d.Approve(context.Background(), "a")
	if !errors.Is(err, records.ErrStaleEntry) {
		t.Fatalf("err = %v, want ErrStaleEntry", err)
	}
	if _, ok := d.Session("a"); ok {
		t.Error("stale session kept in view")
	}
	if got := store.get("a"); got.Status != records.StatusRejected || got.DraftText != "x" {
		t.Errorf("stale commit mutated entry: %+v", got)
	}
}

func TestDeskTransientFailureThenRetry(t *testing.T) {
	store := newFakeStore(pending("a", "x"))
	fail := true
	store.commitFn = func(context.Context, string, string, records.Decision) error {
		if fail {
			return &records.TransientError{Op: "commit decision", Err: errors.New("connection reset")}
		}
		return nil
	}
	d := NewDesk(store, nil)
	d.Reconcile(mustList(t, store))

	if err := d.Approve(context.Background(), "a"); !records.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	s, ok := d.Session("a")
	if !ok || s.State != StateFailed {
		t.Fatalf("session = %+v, want failed", s)
	}

	if err := d.Edit("a", "fixed text"); err != nil {
		t.Fatalf("Edit after failure: %v", err)
	}
	fail = false
	if err := d.Approve(context.Background(), "a"); err != nil {
		t.Fatalf("retry Approve: %v", err)
	}
	if got := store.get("a").DraftText; got != "fixed text" {
		t.Errorf("DraftText = %q, want fixed text", got)
	}
}

func TestDeskNeverDecidesTwiceConcurrently(t *testing.T) {
	store := newFakeStore(pending("a", "x"))
	entered := make(chan struct{})
	release := make(chan struct{})
	store.commitFn = func(context.Context, string, string, records.Decision) error {
		close(entered)
		<-release
		return nil
	}
	d := NewDesk(store, nil)
	d.Reconcile(mustList(t, store))

	done := make(chan error, 1)
	go func() { done <- d.Approve(context.Background(), "a") }()
	<-entered

	if err := d.Reject(context.Background(), "a"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Reject err = %v, want ErrBusy", err)
	}
	if err := d.Edit("a", "late"); !errors.Is(err, ErrBusy) {
		t.Errorf("Edit while submitting err = %v, want ErrBusy", err)
	}

	// A poll during the commit must not overwrite the submitting session.
	report, err := d.Reconcile([]records.Entry{pending("a", "remote")})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !equalIDs(report.Busy, []string{"a"}) {
		t.Errorf("Busy = %v", report.Busy)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if store.commits != 1 {
		t.Errorf("commits = %d, want 1", store.commits)
	}
}

func TestDeskCommitSurvivesCallerCancel(t *testing.T) {
	store := newFakeStore(pending("a", "x"))
	store.commitFn = func(ctx context.Context, _, _ string, _ records.Decision) error {
		return ctx.Err()
	}
	d := NewDesk(store, nil)
	d.Reconcile(mustList(t, store))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Approve(ctx, "a"); err != nil {
		t.Fatalf("Approve with cancelled ctx: %v", err)
	}
	if store.get("a").Status != records.StatusApproved {
		t.Error("commit did not run to completion")
	}
}

func TestDeskCloseDiscardsLateResult(t *testing.T) {
	store := newFakeStore(pending("a", "x"))
	entered := make(chan struct{})
	release := make(chan struct{})
	store.commitFn = func(context.Context, string, string, records.Decision) error {
		close(entered)
		<-release
		return nil
	}
	d := NewDesk(store, nil)
	d.Reconcile(mustList(t, store))

	done := make(chan error, 1)
	go func() { done <- d.Approve(context.Background(), "a") }()
	<-entered
	d.Close()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if store.get("a").Status != records.StatusApproved {
		t.Error("in-flight commit did not complete")
	}
	s, ok := d.Session("a")
	if !ok || s.State != StateSubmitting {
		t.Errorf("closed view changed after late result: %+v", s)
	}
	if err := d.Edit("a", "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Edit after Close err = %v, want ErrClosed", err)
	}
}

func TestDeskUnknownEntry(t *testing.T) {
	d := NewDesk(newFakeStore(), nil)
	if err := d.Approve(context.Background(), "nope"); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("err = %v, want ErrUnknownEntry", err)
	}
}

func mustList(t *testing.T, s *fakeStore) []records.Entry {
	t.Helper()
	entries, err := s.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	return entries
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// TestSynchronizerApproveThenPoll: [A,B] pending, approve A with "Hello",
// next poll [B] shows only B with no error.
func TestSynchronizerApproveThenPoll(t *testing.T) {
	store := newFakeStore(pending("A", "a"), pending("B", "b"))
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(store, d, nil, time.Hour, nil)
	ctx := context.Background()

	if _, err := syncer.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if err := d.Edit("A", "Hello"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := d.Approve(ctx, "A"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	report, err := syncer.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(report.Conflicts) != 0 {
		t.Errorf("Conflicts = %v, want none", report.Conflicts)
	}
	if got := ids(d.Sessions()); !equalIDs(got, []string{"B"}) {
		t.Errorf("view = %v, want [B]", got)
	}
	if got := store.get("A").DraftText; got != "Hello" {
		t.Errorf("stored text = %q, want Hello", got)
	}
}

// TestSynchronizerPollErrorKeepsView: a poll error while the view is [A]
// leaves the view at [A].
func TestSynchronizerPollErrorKeepsView(t *testing.T) {
	store := newFakeStore(pending("A", "a"))
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(store, d, nil, time.Hour, nil)
	ctx := context.Background()

	if _, err := syncer.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	store.listErr = &records.TransientError{Op: "list pending", Err: errors.New("503")}

	if _, err := syncer.PollOnce(ctx); err == nil {
		t.Fatal("expected poll error")
	}
	if got := ids(d.Sessions()); !equalIDs(got, []string{"A"}) {
		t.Errorf("view = %v, want [A]", got)
	}
}

func TestSynchronizerReportsDecidedElsewhere(t *testing.T) {
	store := newFakeStore(pending("A", "a"))
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(store, d, nil, time.Hour, nil)
	ctx := context.Background()

	syncer.PollOnce(ctx)
	d.Edit("A", "unsent")
	store.decideElsewhere("A", records.StatusApproved)

	report, err := syncer.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !equalIDs(report.Conflicts, []string{"A"}) {
		t.Errorf("Conflicts = %v, want [A]", report.Conflicts)
	}
	if len(d.Sessions()) != 0 {
		t.Errorf("view = %v, want empty", ids(d.Sessions()))
	}
}

func TestSynchronizerNotifiesOnIncrease(t *testing.T) {
	store := newFakeStore(pending("A", "a"))
	sink := &recordingSink{}
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(store, d, sink, time.Hour, nil)
	ctx := context.Background()

	syncer.PollOnce(ctx)
	syncer.PollOnce(ctx)
	if sink.count() != 1 {
		t.Fatalf("events = %d after two identical polls, want 1", sink.count())
	}

	store.mu.Lock()
	store.entries["B"] = pending("B", "b")
	store.mu.Unlock()
	syncer.PollOnce(ctx)

	if sink.count() != 2 {
		t.Fatalf("events = %d, want 2", sink.count())
	}
	last := sink.events[1]
	if last.Delta != 1 || last.Pending != 2 || !equalIDs(last.NewIDs, []string{"B"}) {
		t.Errorf("event = %+v", last)
	}
	if got := syncer.Badge(); got != "2 email(s) waiting for approval" {
		t.Errorf("Badge = %q", got)
	}
}

func TestSynchronizerRunStopsOnCancel(t *testing.T) {
	store := newFakeStore(pending("A", "a"))
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(store, d, nil, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(d.Sessions()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never populated the view")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// snapshotSource always returns the same listing, like a replica that has
// not caught up with recent commits yet.
type snapshotSource struct {
	mu      sync.Mutex
	entries []records.Entry
}

func (s *snapshotSource) ListPending(context.Context) ([]records.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]records.Entry(nil), s.entries...), nil
}

func (s *snapshotSource) set(entries ...records.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

func TestSynchronizerBadgeIgnoresStaleSnapshot(t *testing.T) {
	store := newFakeStore(pending("A", "a"), pending("B", "b"))
	src := &snapshotSource{}
	src.set(pending("A", "a"), pending("B", "b"))
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(src, d, nil, time.Hour, nil)
	ctx := context.Background()

	if _, err := syncer.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if err := d.Approve(ctx, "A"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	report, err := syncer.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !equalIDs(report.Pending, []string{"B"}) {
		t.Errorf("Pending = %v, want [B]", report.Pending)
	}
	if got := ids(d.Sessions()); !equalIDs(got, []string{"B"}) {
		t.Errorf("view = %v, want [B]", got)
	}
	if got := syncer.Badge(); got != "1 email(s) waiting for approval" {
		t.Errorf("Badge = %q, want the merged count", got)
	}
}

func TestSynchronizerCountsSubmittingEntry(t *testing.T) {
	store := newFakeStore(pending("A", "a"))
	release := make(chan struct{})
	entered := make(chan struct{})
	store.commitFn = func(context.Context, string, string, records.Decision) error {
		close(entered)
		<-release
		return nil
	}
	src := &snapshotSource{}
	src.set(pending("A", "a"))
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(src, d, nil, time.Hour, nil)
	ctx := context.Background()

	syncer.PollOnce(ctx)

	done := make(chan error, 1)
	go func() { done <- d.Approve(ctx, "A") }()
	<-entered

	src.set()
	report, err := syncer.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !equalIDs(report.Pending, []string{"A"}) || !equalIDs(report.Busy, []string{"A"}) {
		t.Errorf("report = %+v, want A pending and busy", report)
	}
	if got := syncer.Badge(); got != "1 email(s) waiting for approval" {
		t.Errorf("Badge = %q while A is submitting", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Approve: %v", err)
	}
}

func TestSynchronizerOnConflict(t *testing.T) {
	store := newFakeStore(pending("A", "a"), pending("B", "b"))
	d := NewDesk(store, nil)
	syncer := NewSynchronizer(store, d, nil, time.Hour, nil)
	ctx := context.Background()

	var got [][]string
	syncer.OnConflict(func(ids []string) { got = append(got, ids) })

	syncer.PollOnce(ctx)
	d.Edit("A", "unsent")
	store.decideElsewhere("A", records.StatusRejected)
	store.decideElsewhere("B", records.StatusApproved)
	syncer.PollOnce(ctx)
	syncer.PollOnce(ctx)

	if len(got) != 1 || !equalIDs(got[0], []string{"A"}) {
		t.Errorf("conflicts delivered = %v, want [[A]]", got)
	}
}

type failingSink struct{}

func (failingSink) Publish(context.Context, notify.Event) error {
	return errors.New("stream unavailable")
}

func TestSynchronizerLogsToGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	store := newFakeStore(pending("A", "a"))
	syncer := NewSynchronizer(store, NewDesk(store, nil), failingSink{}, time.Hour, logger)

	if _, err := syncer.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !strings.Contains(buf.String(), "publishing notification failed") {
		t.Errorf("log = %q, want the sink failure", buf.String())
	}
}
