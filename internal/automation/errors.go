package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrAutomationNotFound) {
//	    // handle not found case
//	}
var (
	// ErrAutomationNotFound is returned when an automation ID does not exist.
	ErrAutomationNotFound = errors.New("automation: not found")

	// ErrAutomationExists is returned when creating an automation whose ID
	// or alias is already taken.
	ErrAutomationExists = errors.New("automation: already exists")

	// ErrValidation is returned when an automation definition is invalid.
	ErrValidation = errors.New("automation: invalid")

	// ErrUnknownTrigger is returned when decoding a trigger of unknown type.
	ErrUnknownTrigger = errors.New("automation: unknown trigger type")

	// ErrEngineClosed is returned by Trigger after Close.
	ErrEngineClosed = errors.New("automation: engine closed")
)
