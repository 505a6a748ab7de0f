package state

import "errors"

var (
	// ErrNotFound is returned when no state has been recorded for an entity.
	ErrNotFound = errors.New("state: entity not found")

	// ErrInvalidEntityID is returned when an entity ID is not of the form domain.name.
	ErrInvalidEntityID = errors.New("state: invalid entity id")
)
