package state

import (
	"strings"
	"time"

	"github.com/nerrad567/homecore/internal/event"
)

// FieldState is the condition/trigger field name that selects the main
// state value. Any other field name selects an attribute.
const FieldState = "state"

// State is the recorded value of one entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     event.Context  `json:"context"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.State = deepCopyValue(s.State)
	c.Attributes = deepCopyMap(s.Attributes)
	return c
}

// Field returns the main value for FieldState, otherwise the named attribute.
func (s State) Field(field string) (any, bool) {
	if field == FieldState {
		return s.State, true
	}
	v, ok := s.Attributes[field]
	return v, ok
}

// Domain returns the part of the entity ID before the first dot.
func (s State) Domain() string {
	return Domain(s.EntityID)
}

// Domain returns the domain of an entity ID ("light" for "light.hall").
func Domain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// ValidEntityID reports whether id has a non-empty domain and name.
func ValidEntityID(id string) bool {
	domain, name, ok := strings.Cut(id, ".")
	return ok && domain != "" && name != ""
}

// ChangedData is the payload of a state_changed event. OldState is nil for
// the first state recorded for an entity.
type ChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// ChangedFor matches state_changed events for any of entityIDs.
func ChangedFor(entityIDs ...string) event.Filter {
	set := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		set[id] = struct{}{}
	}
	return func(e event.Event) bool {
		if e.Type != event.TypeStateChanged {
			return false
		}
		data, ok := e.Data.(ChangedData)
		if !ok {
			return false
		}
		_, want := set[data.EntityID]
		return want
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
