package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies what an event describes. Integrations may define their own.
type Type string

// Built-in event types.
const (
	TypeStateChanged           Type = "state_changed"
	TypeCallService            Type = "call_service"
	TypeServiceResult          Type = "service_result"
	TypeTimeChanged            Type = "time_changed"
	TypeIntegrationLoaded      Type = "integration_loaded"
	TypeIntegrationUnloaded    Type = "integration_unloaded"
	TypeIntegrationUnavailable Type = "integration_unavailable"
	TypeIntegrationAvailable   Type = "integration_available"
	TypeDiscoveryCompleted     Type = "discovery_completed"
	TypeAutomationTriggered    Type = "automation_triggered"
)

// Context links an event to the event or automation run that caused it.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
}

// NewContext returns a root context with a fresh ID.
func NewContext() Context {
	return Context{ID: uuid.NewString()}
}

// Child returns a new context whose parent is c.
func (c Context) Child() Context {
	return Context{ID: uuid.NewString(), ParentID: c.ID}
}

// IsZero reports whether c has no ID.
func (c Context) IsZero() bool {
	return c.ID == ""
}

// Event is an immutable record of something that happened.
type Event struct {
	ID        string
	Type      Type
	Data      any
	Context   Context
	TimeFired time.Time
}

// New creates an event stamped with a fresh ID and the current time.
// A zero ctx is replaced with a new root context.
func New(t Type, data any, ctx Context) Event {
	if ctx.IsZero() {
		ctx = NewContext()
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Data:      data,
		Context:   ctx,
		TimeFired: time.Now().UTC(),
	}
}

// wireEvent is the JSON form sent to clients and persisted.
type wireEvent struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
	ContextID string    `json:"context_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	TimeFired time.Time `json:"time_fired"`
}

// MarshalJSON flattens the context into context_id and parent_id.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Data:      e.Data,
		ContextID: e.Context.ID,
		ParentID:  e.Context.ParentID,
		TimeFired: e.TimeFired,
	})
}

// UnmarshalJSON decodes the flattened form. Data decodes to generic JSON values.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{
		ID:        w.ID,
		Type:      w.Type,
		Data:      w.Data,
		Context:   Context{ID: w.ContextID, ParentID: w.ParentID},
		TimeFired: w.TimeFired,
	}
	return nil
}

// CallServiceData is the payload of a call_service event.
type CallServiceData struct {
	Service     string         `json:"service"`
	Integration string         `json:"integration"`
	Targets     []string       `json:"targets,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Blocking    bool           `json:"blocking"`
}

// ServiceResultData is the payload of a service_result event.
type ServiceResultData struct {
	Service  string            `json:"service"`
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

// TimeChangedData is the payload of a time_changed event.
type TimeChangedData struct {
	Now     time.Time `json:"now"`
	Hour    int       `json:"hour"`
	Minute  int       `json:"minute"`
	Weekday string    `json:"weekday"`
}

// IntegrationData is the payload of the integration_* lifecycle events.
type IntegrationData struct {
	Integration string `json:"integration"`
	Error       string `json:"error,omitempty"`
}

// DiscoveryData is the payload of a discovery_completed event.
type DiscoveryData struct {
	Integration string `json:"integration"`
	Devices     int    `json:"devices"`
	Entities    int    `json:"entities"`
	Error       string `json:"error,omitempty"`
}

// AutomationTriggeredData is the payload of an automation_triggered event.
type AutomationTriggeredData struct {
	AutomationID string `json:"automation_id"`
	Alias        string `json:"alias"`
	Attempted    int    `json:"attempted"`
	Aborted      bool   `json:"aborted"`
}
