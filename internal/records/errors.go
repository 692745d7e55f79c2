package records

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleEntry is returned when a decision targets an entry that is no
	// longer pending. Callers must re-fetch instead of retrying.
	ErrStaleEntry = errors.New("entry already decided")

	// ErrQuotaExceeded is returned when a contact creation would exceed the
	// tier quota.
	ErrQuotaExceeded = errors.New("contact quota exceeded")

	// ErrDuplicate is returned when a record with the same id already exists.
	ErrDuplicate = errors.New("duplicate id")
)

// TransientError wraps a network or store failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError unless it is nil or already
// classified.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleEntry) ||
		errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrDuplicate) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationError rejects input before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
