package integration

import (
	"context"
	"time"

	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
)

// Adapter is the capability set every integration implements.
type Adapter interface {
	// Connect establishes the session and returns. Until ctx is cancelled
	// or Close is called, the adapter streams raw inbound payloads to out.
	// Sends must never block past ctx; use Send.
	Connect(ctx context.Context, out chan<- []byte) error

	// Discover reports the devices and entities the integration can see.
	Discover(ctx context.Context) (DiscoveryResult, error)

	// Services lists the services the adapter implements. The list must not
	// change while the adapter is loaded.
	Services() []ServiceSpec

	// InvokeService performs one service call against one target (or none
	// for target-less services).
	InvokeService(ctx context.Context, call ServiceCall) error

	// Translate turns one raw payload into zero or more messages.
	Translate(raw []byte) ([]Message, error)

	// Close ends the session. It is called once per Connect.
	Close() error
}

// Aggregator is implemented by adapters that coalesce bursts of messages.
// Aggregate returns a message to apply now, or nil to hold it; Flush
// returns everything held and runs on a fixed interval.
type Aggregator interface {
	Aggregate(m Message) *Message
	Flush() []Message
}

// Send delivers raw to out without blocking. It reports false when the
// buffer is full or ctx is done, in which case the payload is dropped.
func Send(ctx context.Context, out chan<- []byte, raw []byte) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case out <- raw:
		return true
	default:
		return false
	}
}

// SendWait delivers raw to out, blocking until there is room or ctx is
// done. Adapters use it for bulk reports during Connect, while the
// pipeline is already draining out.
func SendWait(ctx context.Context, out chan<- []byte, raw []byte) bool {
	select {
	case out <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}

// Message is a translated inbound payload: either a state report or an
// event report.
type Message struct {
	State *StateReport
	Event *EventReport
}

// StateReport carries a new value for one entity. ExternalID is resolved
// through the device registry; EntityID is used when ExternalID is empty.
type StateReport struct {
	ExternalID string
	EntityID   string
	State      any
	Attributes map[string]any
	// Context links the change to the call that caused it. A zero value
	// starts a new root context.
	Context event.Context
}

// EventReport is an integration-defined event to publish on the bus.
type EventReport struct {
	Type    event.Type
	Data    any
	Context event.Context
}

// DiscoveryResult is what an adapter found.
type DiscoveryResult struct {
	Devices  []device.Device
	Entities []device.Entity
}

// ServiceCall is one adapter invocation.
type ServiceCall struct {
	// Service is the flattened name, e.g. "light.turn_on".
	Service string

	// EntityID and ExternalID identify the target; both are empty for
	// target-less services.
	EntityID   string
	ExternalID string

	Params  map[string]any
	Context event.Context
}

// ParamType names the accepted shape of a service parameter.
type ParamType string

// Parameter types.
const (
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamString  ParamType = "string"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
	ParamAny     ParamType = "any"
)

// ParamSpec describes one service parameter.
type ParamSpec struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// TargetType names what a service can be aimed at.
type TargetType string

// TargetEntity aims a service at entities.
const TargetEntity TargetType = "entity"

// TargetSpec restricts service targets. Empty Types means the service takes
// no targets; empty EntityTypes allows any entity type.
type TargetSpec struct {
	Types       []TargetType        `json:"types,omitempty"`
	EntityTypes []device.EntityType `json:"entity_types,omitempty"`
}

// ServiceSpec declares one service.
type ServiceSpec struct {
	Domain         string               `json:"domain"`
	Service        string               `json:"service"`
	Description    string               `json:"description,omitempty"`
	RequiredParams map[string]ParamSpec `json:"required_params,omitempty"`
	OptionalParams map[string]ParamSpec `json:"optional_params,omitempty"`
	AllowedTargets TargetSpec           `json:"allowed_targets"`

	// Timeout overrides the descriptor and system call timeouts.
	Timeout time.Duration `json:"-"`
}

// Name returns the flattened "domain.service" name.
func (s ServiceSpec) Name() string {
	return s.Domain + "." + s.Service
}

// TakesTargets reports whether the service requires at least one target.
func (s ServiceSpec) TakesTargets() bool {
	return len(s.AllowedTargets.Types) > 0
}

// AllowsEntityType reports whether t is an acceptable target type.
func (s ServiceSpec) AllowsEntityType(t device.EntityType) bool {
	if len(s.AllowedTargets.EntityTypes) == 0 {
		return true
	}
	for _, allowed := range s.AllowedTargets.EntityTypes {
		if allowed == t {
			return true
		}
	}
	return false
}
