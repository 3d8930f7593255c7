package domain

import "errors"

var (
	// ErrInvalidInput marks malformed submissions. No activity is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrInvalidTransition is returned when the state machine forbids a status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusConflict is returned when a conditional update finds the row in another status.
	ErrStatusConflict = errors.New("activity status changed concurrently")
	// ErrInvariantViolation means the points ledger would break exactly-once semantics.
	ErrInvariantViolation = errors.New("points ledger invariant violation")
	// ErrStoreUnavailable wraps failures of the persistent store.
	ErrStoreUnavailable = errors.New("store unavailable")
)
