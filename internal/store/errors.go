package store

import "errors"

var (
	// ErrDuplicateID is returned when adding a record whose id already exists
	ErrDuplicateID = errors.New("transaction id already exists")
	// ErrInvalidTransition is returned for a status change the lifecycle
	// graph does not permit. It indicates a caller bug, never a network
	// condition, and must not be swallowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when the referenced record does not exist
	ErrNotFound = errors.New("transaction not found")
)
