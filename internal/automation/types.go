package automation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/homecore/internal/event"
)

// TriggerKind discriminates the trigger variants.
type TriggerKind string

// Trigger kinds.
const (
	TriggerState TriggerKind = "state"
	TriggerEvent TriggerKind = "event"
)

// Trigger is a tagged union of StateTrigger and EventTrigger. Exactly one of
// State or Event is set, matching Kind.
//
// JSON form: {"type": "state", "data": {...}}.
type Trigger struct {
	Kind  TriggerKind
	State *StateTrigger
	Event *EventTrigger
}

// StateTrigger fires on state_changed events for EntityID.
//
// It compares Attribute, or the main value when Attribute is empty. From
// and To are optional; nil means "any".
type StateTrigger struct {
	EntityID  string `json:"entity_id"`
	Attribute string `json:"attribute,omitempty"`
	From      any    `json:"from,omitempty"`
	To        any    `json:"to,omitempty"`
}

// EventTrigger fires on any event of EventType.
type EventTrigger struct {
	EventType event.Type `json:"event_type"`
}

// NewStateTrigger builds a state trigger.
func NewStateTrigger(t StateTrigger) Trigger {
	return Trigger{Kind: TriggerState, State: &t}
}

// NewEventTrigger builds an event trigger.
func NewEventTrigger(eventType event.Type) Trigger {
	return Trigger{Kind: TriggerEvent, Event: &EventTrigger{EventType: eventType}}
}

type wireTrigger struct {
	Type TriggerKind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the {type, data} form.
func (t Trigger) MarshalJSON() ([]byte, error) {
	var data any
	switch t.Kind {
	case TriggerState:
		data = t.State
	case TriggerEvent:
		data = t.Event
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, t.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireTrigger{Type: t.Kind, Data: raw})
}

// UnmarshalJSON decodes the {type, data} form.
func (t *Trigger) UnmarshalJSON(b []byte) error {
	var w wireTrigger
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Data) == 0 {
		w.Data = json.RawMessage("{}")
	}

	switch w.Type {
	case TriggerState:
		var st StateTrigger
		if err := json.Unmarshal(w.Data, &st); err != nil {
			return fmt.Errorf("decoding state trigger: %w", err)
		}
		*t = Trigger{Kind: TriggerState, State: &st}
	case TriggerEvent:
		var et EventTrigger
		if err := json.Unmarshal(w.Data, &et); err != nil {
			return fmt.Errorf("decoding event trigger: %w", err)
		}
		*t = Trigger{Kind: TriggerEvent, Event: &et}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, w.Type)
	}
	return nil
}

// Op is a condition comparison operator.
type Op string

// Condition operators.
const (
	OpEquals    Op = "equals"
	OpNotEquals Op = "notEquals"
	OpGreater   Op = "gt"
	OpLess      Op = "lt"
)

// Condition compares one field of an entity's current state against Operand.
// Field "state" selects the main value; any other name selects an attribute.
//
// JSON form carries exactly one operator key:
//
//	{"entity": "sensor.temp", "field": "state", "gt": 20}
type Condition struct {
	Entity  string
	Field   string
	Op      Op
	Operand any
}

type wireCondition struct {
	Entity       string          `json:"entity"`
	Field        string          `json:"field"`
	Equals       json.RawMessage `json:"equals,omitempty"`
	NotEquals    json.RawMessage `json:"notEquals,omitempty"`
	NotEqualsAlt json.RawMessage `json:"not_equals,omitempty"`
	Greater      json.RawMessage `json:"gt,omitempty"`
	Less         json.RawMessage `json:"lt,omitempty"`
}

// MarshalJSON encodes the condition with its single operator key.
func (c Condition) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(c.Operand)
	if err != nil {
		return nil, err
	}
	w := wireCondition{Entity: c.Entity, Field: c.Field}
	switch c.Op {
	case OpEquals:
		w.Equals = raw
	case OpNotEquals:
		w.NotEquals = raw
	case OpGreater:
		w.Greater = raw
	case OpLess:
		w.Less = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a condition. "not_equals" is accepted as an alias
// of "notEquals". A condition with zero or several operators decodes with
// an empty Op and fails validation.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var w wireCondition
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.NotEquals) == 0 {
		w.NotEquals = w.NotEqualsAlt
	}

	*c = Condition{Entity: w.Entity, Field: w.Field}
	found := 0
	for _, opt := range []struct {
		op  Op
		raw json.RawMessage
	}{
		{OpEquals, w.Equals},
		{OpNotEquals, w.NotEquals},
		{OpGreater, w.Greater},
		{OpLess, w.Less},
	} {
		if len(opt.raw) == 0 {
			continue
		}
		found++
		var v any
		if err := json.Unmarshal(opt.raw, &v); err != nil {
			return fmt.Errorf("decoding %s operand: %w", opt.op, err)
		}
		c.Op = opt.op
		c.Operand = v
	}
	if found != 1 {
		c.Op = ""
		c.Operand = nil
	}
	return nil
}

// Target names one entity an action addresses.
type Target struct {
	EntityID string `json:"entity_id"`
}

// Action is one service call made by an automation.
type Action struct {
	Service  string         `json:"service"`
	Targets  []Target       `json:"targets,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Blocking bool           `json:"blocking,omitempty"`
}

// TargetIDs returns the target entity IDs in order.
func (a Action) TargetIDs() []string {
	if len(a.Targets) == 0 {
		return nil
	}
	ids := make([]string, len(a.Targets))
	for i, t := range a.Targets {
		ids[i] = t.EntityID
	}
	return ids
}

// Automation is a persisted user rule.
type Automation struct {
	ID            string      `json:"id"`
	Alias         string      `json:"alias"`
	Description   string      `json:"description"`
	Triggers      []Trigger   `json:"triggers"`
	Conditions    []Condition `json:"conditions"`
	Actions       []Action    `json:"actions"`
	Enabled       bool        `json:"enabled"`
	LastTriggered *time.Time  `json:"last_triggered"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Stats reports engine counters.
type Stats struct {
	Loaded  int    `json:"loaded"`
	Skipped int    `json:"skipped"`
	Runs    uint64 `json:"runs"`
	Aborted uint64 `json:"aborted"`
}
