package integration

import "errors"

var (
	// ErrDescriptorExists is returned when registering a duplicate descriptor name.
	ErrDescriptorExists = errors.New("integration: descriptor already registered")

	// ErrDescriptorNotFound is returned when no descriptor matches a config.
	ErrDescriptorNotFound = errors.New("integration: descriptor not found")

	// ErrConfigNotFound is returned when no stored config exists for a name.
	ErrConfigNotFound = errors.New("integration: config not found")

	// ErrInvalidConfig is returned when a user config fails its schema.
	ErrInvalidConfig = errors.New("integration: invalid config")

	// ErrNotLoaded is returned when an operation needs a running instance.
	ErrNotLoaded = errors.New("integration: not loaded")

	// ErrCatalogCollision is returned when an integration declares a service
	// name already owned by another integration.
	ErrCatalogCollision = errors.New("integration: service name collision")

	// ErrAdapterTimeout is returned when an adapter call exceeds its timeout.
	ErrAdapterTimeout = errors.New("integration: adapter timeout")

	// ErrAdapterError wraps any other adapter failure.
	ErrAdapterError = errors.New("integration: adapter error")

	// ErrDiscoveryInProgress is returned when discovery is already running
	// for an integration.
	ErrDiscoveryInProgress = errors.New("integration: discovery already in progress")
)
