/*
errors.go - Centralized error types for the period ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with the helpers at the bottom rather than
  matching strings.

ERROR CATEGORIES:
  1. Configuration errors - bad/missing group setup, not retryable
  2. Lifecycle errors     - operation against the wrong period state
  3. Concurrency errors   - optimistic-lock conflicts, retryable
  4. Storage errors       - opaque persistence failures

USAGE:
  if errors.Is(err, ledger.ErrPeriodClosed) { ... }
  if ledger.IsRetryable(err) { refetch and retry once }

SEE ALSO:
  - engine.go: produces lifecycle and concurrency errors
  - store.go: storage implementations wrap failures in StorageError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is returned for degenerate schedule or fine-rule
	// configuration. Surfaced to the operator; never silently defaulted.
	ErrConfiguration = errors.New("invalid group configuration")

	// ErrPeriodClosed is returned when posting to or closing an
	// already-closed period.
	ErrPeriodClosed = errors.New("period already closed")

	// ErrInvalidPeriodState is returned when an operation is attempted
	// against the wrong lifecycle state (e.g. reopening a non-latest
	// period).
	ErrInvalidPeriodState = errors.New("invalid period state")

	// ErrOpenPeriodExists is returned when opening a period while the
	// group already has one open.
	ErrOpenPeriodExists = errors.New("group already has an open period")

	// ErrConcurrentModification is returned when optimistic locking
	// detects a conflict. Callers should re-fetch and retry once.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrGroupNotFound is returned when a referenced group doesn't exist.
	ErrGroupNotFound = errors.New("group not found")

	// ErrMemberNotFound is returned when a referenced member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrPeriodNotFound is returned when a referenced period doesn't exist.
	ErrPeriodNotFound = errors.New("period not found")

	// ErrContributionNotFound is returned when a period holds no row for
	// the member and no override was supplied.
	ErrContributionNotFound = errors.New("contribution record not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError describes what part of the group setup is broken.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid group configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// InvalidPeriodStateError describes a lifecycle violation.
type InvalidPeriodStateError struct {
	PeriodID PeriodID
	State    PeriodState
	Op       string
	Reason   string
}

func (e *InvalidPeriodStateError) Error() string {
	return fmt.Sprintf("%s: period %s is %s: %s", e.Op, e.PeriodID, e.State, e.Reason)
}

func (e *InvalidPeriodStateError) Unwrap() error {
	if e.State == StateClosed {
		return ErrPeriodClosed
	}
	return ErrInvalidPeriodState
}

// StorageError wraps an opaque persistence failure. The cause is kept
// for logs; callers treat it as a generic, possibly-transient failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is already one of the engine's
// errors (sentinels pass through so classification keeps working).
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is a user-correctable
// conflict or bad input rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPeriodClosed) ||
		errors.Is(err, ErrInvalidPeriodState) ||
		errors.Is(err, ErrOpenPeriodExists) ||
		errors.Is(err, ErrConfiguration)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrContributionNotFound)
}

// IsStorage returns true for opaque persistence failures.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
