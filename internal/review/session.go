package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/serviceflow/flowdesk/internal/records"
)

// State is the lifecycle position of a review session.
type State int

const (
	StatePending State = iota
	StateSubmitting
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubmitting:
		return "submitting"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrBusy is returned when a decision is already in flight for the entry.
	ErrBusy = errors.New("a decision for this entry is already being submitted")

	// ErrDecided is returned for any command on a committed session.
	ErrDecided = errors.New("entry already decided in this session")
)

// Session holds one entry under review: the remote snapshot, the working
// draft, and where the operator's decision stands.
type Session struct {
	Entry   records.Entry
	Draft   string
	Edited  bool
	State   State
	Outcome records.Status
	Err     error
}

func newSession(e records.Entry) Session {
	return Session{Entry: e, Draft: e.DraftText, State: StatePending}
}

// edit replaces the working draft. A failed session returns to pending so
// the operator can fix the text before retrying.
func (s *Session) edit(text string) error {
	switch s.State {
	case StateSubmitting:
		return ErrBusy
	case StateCommitted:
		return ErrDecided
	}
	s.Draft = text
	s.Edited = true
	s.State = StatePending
	s.Err = nil
	return nil
}

// begin moves the session to submitting and returns the text to commit.
// Validation runs here, before any store call.
func (s *Session) begin(decision records.Decision) (string, error) {
	switch s.State {
	case StateSubmitting:
		return "", ErrBusy
	case StateCommitted:
		return "", ErrDecided
	}
	if _, err := decision.Status(); err != nil {
		return "", err
	}
	if decision == records.DecisionApprove && strings.TrimSpace(s.Draft) == "" {
		return "", &records.ValidationError{Field: "draft_text", Reason: "cannot approve an empty draft"}
	}
	s.State = StateSubmitting
	s.Err = nil
	return s.Draft, nil
}

// resolve applies the outcome of a commit started by begin.
func (s *Session) resolve(decision records.Decision, err error) {
	if err != nil {
		s.State = StateFailed
		s.Err = err
		return
	}
	status, _ := decision.Status()
	s.State = StateCommitted
	s.Outcome = status
	s.Edited = false
}

// Retryable reports whether a failed session can be submitted again.
func (s Session) Retryable() bool {
	return s.State == StateFailed && !errors.Is(s.Err, records.ErrStaleEntry) && !errors.Is(s.Err, records.ErrNotFound)
}

// unsaved reports whether the session carries operator work that a remote
// refresh must not overwrite.
func (s Session) unsaved() bool {
	return s.Edited || s.State == StateFailed
}
