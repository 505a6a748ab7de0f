package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/state"
)

// Name is the descriptor name of the virtual integration.
const Name = "virtual"

const (
	stateOn  = "on"
	stateOff = "off"
)

var (
	// ErrUnknownEntity is returned when a call targets an entity the
	// adapter was not configured with.
	ErrUnknownEntity = errors.New("virtual: unknown entity")

	// ErrNotConnected is returned when a call arrives before Connect.
	ErrNotConnected = errors.New("virtual: not connected")
)

// Descriptor returns the integration descriptor to register.
func Descriptor() integration.Descriptor {
	return integration.Descriptor{
		Name:         Name,
		DisplayName:  "Virtual devices",
		Description:  "In-memory switches, lights and numbers for testing automations.",
		Version:      "1.0.0",
		Capabilities: []string{"discovery", "services", "push"},
		ConfigSchema: map[string]integration.ConfigField{
			"entities": {
				Label:       "Entities",
				Description: "Comma-separated entity IDs, e.g. light.hall, switch.fan",
				Type:        integration.ConfigFieldText,
				Required:    true,
			},
		},
		Factory: New,
	}
}

// report is the raw payload the adapter emits for one entity.
type report struct {
	Entity     string         `json:"entity"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Context    event.Context  `json:"context,omitzero"`
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type value struct {
	state any
	attrs map[string]any
}

// Adapter is the virtual integration adapter.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Adapter struct {
	name     string
	entities []string
	logger   integration.Logger

	mu     sync.Mutex
	values map[string]value
	out    chan<- []byte
	ctx    context.Context
}

// New is the integration factory.
func New(_ context.Context, deps integration.FactoryDeps) (integration.Adapter, error) {
	ids := integration.ConfigList(deps.Config, "entities")
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: virtual: entities is empty", integration.ErrInvalidConfig)
	}

	a := &Adapter{
		name:   deps.Name,
		logger: deps.Logger,
		values: make(map[string]value, len(ids)),
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}
	for _, id := range ids {
		if !state.ValidEntityID(id) {
			return nil, fmt.Errorf("%w: virtual: invalid entity id %q", integration.ErrInvalidConfig, id)
		}
		if _, dup := a.values[id]; dup {
			continue
		}
		a.entities = append(a.entities, id)
		a.values[id] = initialValue(id)
	}
	sort.Strings(a.entities)
	return a, nil
}

func initialValue(entityID string) value {
	switch domainOf(entityID) {
	case device.EntityTypeInputNumber:
		return value{state: 0.0}
	case device.EntityTypeSensor:
		return value{state: nil}
	default:
		return value{state: stateOff}
	}
}

func domainOf(entityID string) device.EntityType {
	domain, _, _ := strings.Cut(entityID, ".")
	return device.EntityType(domain)
}

// Connect stores the output channel and reports every initial value.
func (a *Adapter) Connect(ctx context.Context, out chan<- []byte) error {
	a.mu.Lock()
	a.out = out
	a.ctx = ctx
	a.mu.Unlock()

	for _, id := range a.entities {
		a.emit(id, event.Context{}, integration.SendWait)
	}
	return nil
}

// Discover reports one device per configured entity.
func (a *Adapter) Discover(ctx context.Context) (integration.DiscoveryResult, error) {
	if err := ctx.Err(); err != nil {
		return integration.DiscoveryResult{}, err
	}

	var res integration.DiscoveryResult
	for _, id := range a.entities {
		deviceID := Name + ":" + id
		res.Devices = append(res.Devices, device.Device{
			ID:       deviceID,
			Type:     Name,
			Name:     displayName(id),
			Metadata: map[string]any{"instance": a.name},
		})
		res.Entities = append(res.Entities, device.Entity{
			EntityID:   id,
			ExternalID: id,
			DeviceID:   deviceID,
			Type:       domainOf(id),
			Name:       displayName(id),
		})
	}
	return res, nil
}

func displayName(entityID string) string {
	_, object, _ := strings.Cut(entityID, ".")
	words := strings.Fields(strings.ReplaceAll(object, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func entitySpec(domain device.EntityType, service, description string) integration.ServiceSpec {
	return integration.ServiceSpec{
		Domain:      string(domain),
		Service:     service,
		Description: description,
		AllowedTargets: integration.TargetSpec{
			Types:       []integration.TargetType{integration.TargetEntity},
			EntityTypes: []device.EntityType{domain},
		},
	}
}

// Services lists the services for the configured domains only.
func (a *Adapter) Services() []integration.ServiceSpec {
	domains := map[device.EntityType]bool{}
	for _, id := range a.entities {
		domains[domainOf(id)] = true
	}

	var specs []integration.ServiceSpec
	if domains[device.EntityTypeSwitch] {
		specs = append(specs,
			entitySpec(device.EntityTypeSwitch, "turn_on", "Turn a virtual switch on"),
			entitySpec(device.EntityTypeSwitch, "turn_off", "Turn a virtual switch off"),
			entitySpec(device.EntityTypeSwitch, "toggle", "Toggle a virtual switch"),
		)
	}
	if domains[device.EntityTypeLight] {
		on := entitySpec(device.EntityTypeLight, "turn_on", "Turn a virtual light on")
		on.OptionalParams = map[string]integration.ParamSpec{
			"brightness": {Type: integration.ParamNumber, Description: "0-100"},
		}
		specs = append(specs, on, entitySpec(device.EntityTypeLight, "turn_off", "Turn a virtual light off"))
	}
	if domains[device.EntityTypeInputNumber] {
		set := entitySpec(device.EntityTypeInputNumber, "set_value", "Set a virtual number")
		set.RequiredParams = map[string]integration.ParamSpec{
			"value": {Type: integration.ParamNumber},
		}
		specs = append(specs, set)
	}
	return specs
}

// InvokeService applies a call to the target's value and emits a report.
func (a *Adapter) InvokeService(ctx context.Context, call integration.ServiceCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := call.ExternalID
	if id == "" {
		id = call.EntityID
	}

	a.mu.Lock()
	if a.out == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	cur, ok := a.values[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	next, err := apply(cur, call)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.values[id] = next
	a.mu.Unlock()

	a.emit(id, call.Context, integration.Send)
	return nil
}

func apply(cur value, call integration.ServiceCall) (value, error) {
	next := value{state: cur.state, attrs: copyAttrs(cur.attrs)}
	switch call.Service {
	case "switch.turn_on":
		next.state = stateOn
	case "switch.turn_off", "light.turn_off":
		next.state = stateOff
	case "switch.toggle":
		if cur.state == stateOn {
			next.state = stateOff
		} else {
			next.state = stateOn
		}
	case "light.turn_on":
		next.state = stateOn
		if v, ok := call.Params["brightness"]; ok {
			b, ok := state.ToFloat64(v)
			if !ok || b < 0 || b > 100 {
				return cur, fmt.Errorf("brightness %v out of range 0-100", v)
			}
			if next.attrs == nil {
				next.attrs = map[string]any{}
			}
			next.attrs["brightness"] = b
		}
	case "input_number.set_value":
		n, ok := state.ToFloat64(call.Params["value"])
		if !ok {
			return cur, fmt.Errorf("value %v is not a number", call.Params["value"])
		}
		next.state = n
	default:
		return cur, fmt.Errorf("unsupported service %s", call.Service)
	}
	return next, nil
}

func copyAttrs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// emit sends the current value of id on the output channel, tagged with
// the context of the call that produced it.
func (a *Adapter) emit(id string, cause event.Context, send func(context.Context, chan<- []byte, []byte) bool) {
	a.mu.Lock()
	v := a.values[id]
	out, ctx := a.out, a.ctx
	a.mu.Unlock()
	if out == nil {
		return
	}

	raw, err := json.Marshal(report{Entity: id, State: v.state, Attributes: v.attrs, Context: cause})
	if err != nil {
		a.logger.Error("virtual: marshalling report", "entity_id", id, "error", err)
		return
	}
	if !send(ctx, out, raw) {
		a.logger.Warn("virtual: report dropped", "entity_id", id)
	}
}

// Translate decodes a report into a state report.
func (a *Adapter) Translate(raw []byte) ([]integration.Message, error) {
	var r report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding virtual report: %w", err)
	}
	if r.Entity == "" {
		return nil, errors.New("virtual report without entity")
	}
	return []integration.Message{{State: &integration.StateReport{
		ExternalID: r.Entity,
		State:      r.State,
		Attributes: r.Attributes,
		Context:    r.Context,
	}}}, nil
}

// Close detaches the output channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.out = nil
	a.mu.Unlock()
	return nil
}

// Value returns the current internal value of an entity.
func (a *Adapter) Value(entityID string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[entityID]
	return v.state, ok
}
