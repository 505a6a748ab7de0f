package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxNameLength = 100

var validEntityTypes map[EntityType]struct{}

func init() {
	validEntityTypes = make(map[EntityType]struct{}, len(AllEntityTypes()))
	for _, t := range AllEntityTypes() {
		validEntityTypes[t] = struct{}{}
	}
}

// ValidEntityType reports whether t is a recognised entity type.
func ValidEntityType(t EntityType) bool {
	_, ok := validEntityTypes[t]
	return ok
}

// ValidateDevice checks required device fields.
func ValidateDevice(d *Device) error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if d.Integration == "" {
		return fmt.Errorf("%w: integration is required", ErrInvalidDevice)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	return nil
}

// ValidateEntity checks an entity and fills Type from the entity ID's
// domain when it is empty.
func ValidateEntity(e *Entity) error {
	domain, name, ok := strings.Cut(e.EntityID, ".")
	if !ok || domain == "" || name == "" {
		return fmt.Errorf("%w: entity_id %q must be domain.name", ErrInvalidEntity, e.EntityID)
	}
	if e.ExternalID == "" {
		return fmt.Errorf("%w: external_id is required for %s", ErrInvalidEntity, e.EntityID)
	}
	if e.Integration == "" {
		return fmt.Errorf("%w: integration is required for %s", ErrInvalidEntity, e.EntityID)
	}
	if e.Type == "" {
		e.Type = EntityType(domain)
	}
	if !ValidEntityType(e.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidEntityType, e.Type)
	}
	if string(e.Type) != domain {
		return fmt.Errorf("%w: type %q does not match domain of %s", ErrInvalidEntity, e.Type, e.EntityID)
	}
	if len(e.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidEntity, maxNameLength)
	}
	return nil
}

// GenerateID returns a new UUID for devices that integrations do not name.
func GenerateID() string {
	return uuid.New().String()
}
