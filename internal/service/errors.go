package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrServiceNotFound is returned when no integration provides the service.
	ErrServiceNotFound = errors.New("service: not found")

	// ErrInvalidParams is returned when params are missing or not coercible.
	// The concrete error is an *InvalidParamsError.
	ErrInvalidParams = errors.New("service: invalid params")

	// ErrInvalidTarget is returned when targets violate the service's rules.
	ErrInvalidTarget = errors.New("service: invalid target")

	// ErrEntityUnavailable is returned when a target is unknown or disabled.
	ErrEntityUnavailable = errors.New("service: entity unavailable")
)

// InvalidParamsError names the offending parameter keys.
type InvalidParamsError struct {
	Service string
	Missing []string
	Invalid []string
}

func (e *InvalidParamsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidParams, e.Service, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrInvalidParams.
func (e *InvalidParamsError) Unwrap() error {
	return ErrInvalidParams
}
