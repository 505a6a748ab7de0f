package device

import "errors"

// Domain errors for the device package.
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrEntityNotFound is returned when an entity ID does not exist.
	ErrEntityNotFound = errors.New("device: entity not found")

	// ErrEntityExists is returned when an entity ID is already owned by
	// another integration or external ID.
	ErrEntityExists = errors.New("device: entity already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidEntity is returned when entity validation fails.
	ErrInvalidEntity = errors.New("device: invalid entity")

	// ErrInvalidEntityType is returned when an entity type is not recognised.
	ErrInvalidEntityType = errors.New("device: invalid entity type")
)
