package history

import (
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/state"
)

// Writer receives numeric entity values. *influxdb.Client implements it.
type Writer interface {
	WriteEntityValues(entityID, domain string, fields map[string]float64, ts time.Time)
}

// TelemetryDeps configures Telemetry.
type TelemetryDeps struct {
	Writer Writer
	Bus    *event.Bus
	Logger Logger
}

// Telemetry forwards numeric state to a time-series writer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Telemetry struct {
	writer Writer
	bus    *event.Bus
	logger Logger

	mu  sync.Mutex
	sub *event.Subscription
}

// NewTelemetry creates a stopped forwarder.
func NewTelemetry(deps TelemetryDeps) *Telemetry {
	t := &Telemetry{writer: deps.Writer, bus: deps.Bus, logger: deps.Logger}
	if t.logger == nil {
		t.logger = noopLogger{}
	}
	return t
}

// Start subscribes to state_changed.
func (t *Telemetry) Start() error {
	if t.writer == nil || t.bus == nil {
		return errors.New("history: telemetry needs a writer and a bus")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		t.sub = t.bus.Subscribe("telemetry", event.ByType(event.TypeStateChanged), t.handle)
	}
	return nil
}

// Close unsubscribes.
func (t *Telemetry) Close() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (t *Telemetry) handle(e event.Event) {
	data, ok := e.Data.(state.ChangedData)
	if !ok || data.NewState == nil {
		return
	}
	fields := NumericFields(data.NewState)
	if len(fields) == 0 {
		return
	}
	t.writer.WriteEntityValues(data.EntityID, state.Domain(data.EntityID), fields, data.NewState.LastUpdated)
}

// binaryStates maps two-valued string states onto 1 and 0 so they graph.
var binaryStates = map[string]float64{
	"on":       1,
	"off":      0,
	"home":     1,
	"not_home": 0,
	"open":     1,
	"closed":   0,
}

// NumericFields extracts the values of st that can be written as floats:
// the main state as "state" and each numeric attribute under its own name.
func NumericFields(st *state.State) map[string]float64 {
	fields := make(map[string]float64)
	if v, ok := state.ToFloat64(st.State); ok {
		fields["state"] = v
	} else if s, ok := st.State.(string); ok {
		if v, ok := binaryStates[s]; ok {
			fields["state"] = v
		}
	}
	for k, raw := range st.Attributes {
		if k == "state" {
			continue
		}
		if v, ok := state.ToFloat64(raw); ok {
			fields[k] = v
		}
	}
	return fields
}
