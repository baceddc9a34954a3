package workout

import "errors"

var (
	// ErrSessionConflict - a second in-progress session was attempted for the same customer
	ErrSessionConflict = errors.New("another workout session is already in progress")

	// ErrNotFound covers both truly absent aggregates and ownership
	// mismatches, so that the API never leaks existence of other
	// customers' sessions.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState - mutation attempted against a terminal or wrong-state aggregate
	ErrInvalidState = errors.New("invalid state for requested operation")

	ErrValidation = errors.New("validation failed")
)
