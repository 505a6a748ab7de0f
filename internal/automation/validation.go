package automation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/homecore/internal/state"
)

// Validation constants.
const (
	maxAliasLength    = 100
	maxDescriptionLen = 500
	maxTriggers       = 50
	maxConditions     = 50
	maxActions        = 100
)

// Validate checks an automation definition.
// Returns an error wrapping ErrValidation describing the first failure found.
func Validate(a *Automation) error {
	if a == nil {
		return fmt.Errorf("%w: nil automation", ErrValidation)
	}

	alias := strings.TrimSpace(a.Alias)
	if alias == "" {
		return fmt.Errorf("%w: alias is required", ErrValidation)
	}
	if len(alias) > maxAliasLength {
		return fmt.Errorf("%w: alias exceeds %d characters", ErrValidation, maxAliasLength)
	}
	if len(a.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLen)
	}

	if len(a.Triggers) == 0 {
		return fmt.Errorf("%w: at least one trigger is required", ErrValidation)
	}
	if len(a.Triggers) > maxTriggers {
		return fmt.Errorf("%w: exceeds maximum of %d triggers", ErrValidation, maxTriggers)
	}
	for i, t := range a.Triggers {
		if err := validateTrigger(t); err != nil {
			return fmt.Errorf("triggers[%d]: %w", i, err)
		}
	}

	if len(a.Conditions) > maxConditions {
		return fmt.Errorf("%w: exceeds maximum of %d conditions", ErrValidation, maxConditions)
	}
	for i, c := range a.Conditions {
		if err := validateCondition(c); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}

	if len(a.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrValidation)
	}
	if len(a.Actions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrValidation, maxActions)
	}
	for i, act := range a.Actions {
		if err := validateAction(act); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateTrigger(t Trigger) error {
	switch t.Kind {
	case TriggerState:
		if t.State == nil {
			return fmt.Errorf("%w: state trigger without data", ErrValidation)
		}
		if !state.ValidEntityID(t.State.EntityID) {
			return fmt.Errorf("%w: invalid entity_id %q", ErrValidation, t.State.EntityID)
		}
	case TriggerEvent:
		if t.Event == nil || t.Event.EventType == "" {
			return fmt.Errorf("%w: event trigger requires event_type", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrValidation, t.Kind)
	}
	return nil
}

func validateCondition(c Condition) error {
	if !state.ValidEntityID(c.Entity) {
		return fmt.Errorf("%w: invalid entity %q", ErrValidation, c.Entity)
	}
	if c.Field == "" {
		return fmt.Errorf("%w: field is required", ErrValidation)
	}
	switch c.Op {
	case OpEquals, OpNotEquals:
	case OpGreater, OpLess:
		if _, ok := state.ToFloat64(c.Operand); !ok {
			return fmt.Errorf("%w: %s requires a numeric operand", ErrValidation, c.Op)
		}
	default:
		return fmt.Errorf("%w: exactly one of equals, notEquals, gt, lt is required", ErrValidation)
	}
	return nil
}

func validateAction(a Action) error {
	if !ValidServiceName(a.Service) {
		return fmt.Errorf("%w: service %q must be domain.service", ErrValidation, a.Service)
	}
	for _, t := range a.Targets {
		if !state.ValidEntityID(t.EntityID) {
			return fmt.Errorf("%w: invalid target %q", ErrValidation, t.EntityID)
		}
	}
	return nil
}

// ValidServiceName reports whether name has the form "domain.service".
func ValidServiceName(name string) bool {
	domain, svc, ok := strings.Cut(name, ".")
	return ok && domain != "" && svc != "" && !strings.Contains(svc, ".")
}

// GenerateID creates a new unique automation ID.
func GenerateID() string {
	return uuid.NewString()
}
