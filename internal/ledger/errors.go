package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested entry or stream does not exist.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrSequenceConflict means the stored chain tail disagrees with the
	// sequence the writer was about to assign. It is an internal invariant
	// violation: the writer must halt the affected stream, never renumber.
	ErrSequenceConflict = errors.New("ledger: sequence conflict")

	// ErrUnavailable marks transient storage failures (timeouts, lost
	// connections). The whole submit is safe to retry: a retry of an
	// already-committed append resolves to a duplicate by fingerprint.
	ErrUnavailable = errors.New("ledger: storage unavailable")
)

// DuplicateError reports that a fact with the same fingerprint is already
// recorded. It is a normal outcome of submission, not a failure; Seq is the
// sequence of the existing entry.
type DuplicateError struct {
	Seq uint64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("ledger: duplicate fact, recorded at seq %d", e.Seq)
}

// AsDuplicate unwraps a *DuplicateError if err is one.
func AsDuplicate(err error) (*DuplicateError, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

// unavailable classifies a storage error as transient, preserving the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
