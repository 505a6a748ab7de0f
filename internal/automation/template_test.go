package automation

import (
	"reflect"
	"testing"

	"github.com/nerrad567/homecore/internal/state"
)

// mapStates is a fixed StateLookup that counts Get calls.
type mapStates struct {
	states map[string]state.State
	calls  int
}

func (m *mapStates) Get(entityID string) (state.State, error) {
	m.calls++
	st, ok := m.states[entityID]
	if !ok {
		return state.State{}, state.ErrNotFound
	}
	return st, nil
}

func newMapStates(states ...state.State) *mapStates {
	m := &mapStates{states: make(map[string]state.State)}
	for _, s := range states {
		m.states[s.EntityID] = s
	}
	return m
}

func TestResolver_Params(t *testing.T) {
	states := newMapStates(
		state.State{EntityID: "sensor.temp", State: 21.5},
		state.State{EntityID: "light.hall", State: "on", Attributes: map[string]any{"brightness": float64(180)}},
	)
	payload := state.ChangedData{
		EntityID: "sensor.door",
		NewState: &state.State{EntityID: "sensor.door", State: "open", Attributes: map[string]any{"battery": 80}},
	}
	r := newResolver(payload, states)

	tests := []struct {
		name    string
		input   any
		want    any
		omitted bool
	}{
		{"plain string", "hello", "hello", false},
		{"number untouched", 42, 42, false},
		{"payload path", "${payload.new_state.state}", "open", false},
		{"payload nested number", "${payload.new_state.attributes.battery}", float64(80), false},
		{"payload missing omitted", "${payload.nope}", nil, true},
		{"payload missing default", "${payload.nope|20}", float64(20), false},
		{"string default", "${payload.nope|off}", "off", false},
		{"state main value", "${state:sensor.temp}", 21.5, false},
		{"state attribute", "${state:light.hall:brightness}", float64(180), false},
		{"state missing entity omitted", "${state:sensor.none}", nil, true},
		{"state missing with default", "${state:sensor.none|0}", float64(0), false},
		{"embedded", "door is ${payload.new_state.state} at ${state:sensor.temp}C", "door is open at 21.5C", false},
		{"embedded unresolved", "x${payload.nope}y", "xy", false},
		{"nested map", map[string]any{"level": "${state:light.hall:brightness}"}, map[string]any{"level": float64(180)}, false},
		{"slice", []any{"${state:sensor.temp}", "a"}, []any{21.5, "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.params(map[string]any{"p": tt.input})
			v, ok := got["p"]
			if tt.omitted {
				if ok {
					t.Fatalf("params()[p] = %v, want omitted", v)
				}
				return
			}
			if !ok {
				t.Fatal("params()[p] omitted")
			}
			if !reflect.DeepEqual(v, tt.want) {
				t.Errorf("params()[p] = %#v, want %#v", v, tt.want)
			}
		})
	}
}

func TestResolver_EmptyParams(t *testing.T) {
	r := newResolver(nil, nil)
	if got := r.params(nil); got != nil {
		t.Errorf("params(nil) = %v, want nil", got)
	}
	got := r.params(map[string]any{"a": "${state:sensor.x|1}"})
	if got["a"] != float64(1) {
		t.Errorf("params() with nil lookup = %v, want default 1", got)
	}
}

func TestLookupPath(t *testing.T) {
	root := map[string]any{
		"a": map[string]any{"b": []any{"x", map[string]any{"c": true}}},
	}
	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"a.b.0", "x", true},
		{"a.b.1.c", true, true},
		{"a.b.9", nil, false},
		{"a.b.x", nil, false},
		{"a.z", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := lookupPath(root, tt.path)
			if ok != tt.ok || (ok && !reflect.DeepEqual(got, tt.want)) {
				t.Errorf("lookupPath(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}
}
