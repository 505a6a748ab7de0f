package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/infrastructure/config"
	"github.com/nerrad567/homecore/internal/infrastructure/mqtt"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/state"
)

// Name is the descriptor name of the MQTT integration.
const Name = "mqtt"

// DefaultDiscoveryWindow is how long Discover collects retained descriptors.
const DefaultDiscoveryWindow = 2 * time.Second

// commandEchoWindow is how long a state report after mqtt.command is
// attributed to that command.
const commandEchoWindow = 5 * time.Second

var (
	// ErrNotConnected is returned when a call arrives before Connect.
	ErrNotConnected = errors.New("mqttbridge: not connected")

	// ErrUnknownTopic is returned by Translate for a topic outside the prefix.
	ErrUnknownTopic = errors.New("mqttbridge: topic outside prefix")
)

// Broker is the subset of *mqtt.Client the adapter uses.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishDefault(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

// linkNotifier is implemented by brokers that report connection changes.
type linkNotifier interface {
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
}

// Dialer opens a broker session.
type Dialer func(cfg config.MQTTConfig, topics mqtt.Topics) (Broker, error)

// DialBroker connects with the infrastructure MQTT client.
func DialBroker(cfg config.MQTTConfig, topics mqtt.Topics) (Broker, error) {
	c, err := mqtt.Connect(cfg, topics)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Descriptor returns the integration descriptor. base supplies the broker
// settings a user config leaves out; a nil dial uses DialBroker.
func Descriptor(base config.MQTTConfig, dial Dialer) integration.Descriptor {
	if dial == nil {
		dial = DialBroker
	}
	return integration.Descriptor{
		Name:         Name,
		DisplayName:  "MQTT",
		Description:  "Bridge devices that speak the homecore topic scheme over an MQTT broker.",
		Version:      "1.0.0",
		Capabilities: []string{"discovery", "services", "push"},
		ConfigSchema: map[string]integration.ConfigField{
			"host":             {Label: "Broker host", Type: integration.ConfigFieldText, Placeholder: base.Broker.Host},
			"port":             {Label: "Broker port", Type: integration.ConfigFieldNumber},
			"username":         {Label: "Username", Type: integration.ConfigFieldText},
			"password":         {Label: "Password", Type: integration.ConfigFieldPassword},
			"client_id":        {Label: "Client ID", Type: integration.ConfigFieldText},
			"topic_prefix":     {Label: "Topic prefix", Type: integration.ConfigFieldText, Default: mqtt.DefaultPrefix},
			"discovery_window": {Label: "Discovery window (s)", Type: integration.ConfigFieldNumber},
		},
		Factory: func(_ context.Context, deps integration.FactoryDeps) (integration.Adapter, error) {
			return newAdapter(deps, base, dial), nil
		},
	}
}

// buildConfig overlays the user config on the base broker settings.
func buildConfig(base config.MQTTConfig, cfg map[string]any) config.MQTTConfig {
	out := base
	out.Broker.Host = integration.ConfigString(cfg, "host", base.Broker.Host)
	if port, ok := state.ToFloat64(cfg["port"]); ok && port > 0 {
		out.Broker.Port = int(port)
	}
	out.Broker.ClientID = integration.ConfigString(cfg, "client_id", base.Broker.ClientID)
	out.Auth.Username = integration.ConfigString(cfg, "username", base.Auth.Username)
	out.Auth.Password = integration.ConfigString(cfg, "password", base.Auth.Password)
	return out
}

// envelope is the raw payload handed to the pipeline. Link carries
// broker connection changes instead of a message.
type envelope struct {
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Link    string `json:"link,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	linkDown = "down"
	linkUp   = "up"
)

// cause is the context of a recent mqtt.command to an entity.
type cause struct {
	ctx     event.Context
	expires time.Time
}

// descriptorPayload is a retained discovery message.
type descriptorPayload struct {
	Name       string `json:"name"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// command is the payload of mqtt.command.
type command struct {
	Command string `json:"command"`
	Value   any    `json:"value,omitempty"`
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Adapter bridges one broker session.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Broker handlers run on the client's delivery goroutine.
type Adapter struct {
	name   string
	cfg    config.MQTTConfig
	qos    byte
	topics mqtt.Topics
	window time.Duration
	dial   Dialer
	logger integration.Logger

	mu         sync.Mutex
	broker     Broker
	discovered map[string]descriptorPayload
	causes     map[string]cause
	down       bool

	pendingMu sync.Mutex
	pending   map[string]integration.StateReport
	order     []string
}

func newAdapter(deps integration.FactoryDeps, base config.MQTTConfig, dial Dialer) *Adapter {
	a := &Adapter{
		name:       deps.Name,
		cfg:        buildConfig(base, deps.Config),
		qos:        byte(base.QoS),
		topics:     mqtt.Topics{Prefix: integration.ConfigString(deps.Config, "topic_prefix", mqtt.DefaultPrefix)},
		window:     integration.ConfigDuration(deps.Config, "discovery_window", DefaultDiscoveryWindow),
		dial:       dial,
		logger:     deps.Logger,
		discovered: make(map[string]descriptorPayload),
		causes:     make(map[string]cause),
		pending:    make(map[string]integration.StateReport),
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}
	return a
}

// Connect opens the broker session and subscribes to the inbound topics.
func (a *Adapter) Connect(ctx context.Context, out chan<- []byte) error {
	broker, err := a.dial(a.cfg, a.topics)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	if c, ok := broker.(interface{ SetLogger(mqtt.Logger) }); ok {
		c.SetLogger(a.logger)
	}

	forward := func(topic string, payload []byte) error {
		raw, err := json.Marshal(envelope{Topic: topic, Payload: payload})
		if err != nil {
			return err
		}
		if !integration.Send(ctx, out, raw) {
			a.logger.Warn("mqtt: inbound message dropped", "topic", topic)
		}
		return nil
	}

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{a.topics.AllOf(mqtt.KindState), forward},
		{a.topics.AllOf(mqtt.KindEvent), forward},
		{a.topics.AllOf(mqtt.KindDiscovery), a.recordDiscovery},
	}
	for _, s := range subs {
		if err := broker.Subscribe(s.topic, a.qos, s.handler); err != nil {
			broker.Close() //nolint:errcheck // Best effort cleanup on error path
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}

	if n, ok := broker.(linkNotifier); ok {
		n.SetOnDisconnect(func(err error) { a.linkChanged(ctx, out, linkDown, err) })
		n.SetOnConnect(func() { a.linkChanged(ctx, out, linkUp, nil) })
	}

	a.mu.Lock()
	a.broker = broker
	a.down = false
	a.mu.Unlock()
	return nil
}

// linkChanged forwards a broker connection change to the pipeline. The
// client calls OnConnect on every connect, so only a recovery after a loss
// is reported.
func (a *Adapter) linkChanged(ctx context.Context, out chan<- []byte, link string, lost error) {
	a.mu.Lock()
	wasDown := a.down
	a.down = link == linkDown
	a.mu.Unlock()
	if link == linkUp && !wasDown {
		return
	}

	env := envelope{Link: link}
	if lost != nil {
		env.Error = lost.Error()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !integration.Send(ctx, out, raw) {
		a.logger.Warn("mqtt: link change dropped", "link", link)
	}
}

// recordDiscovery keeps the latest retained descriptor per entity. An
// empty payload clears it.
func (a *Adapter) recordDiscovery(topic string, payload []byte) error {
	_, entityID, ok := a.topics.Parse(topic)
	if !ok || !state.ValidEntityID(entityID) {
		return fmt.Errorf("invalid discovery topic %q", topic)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(bytes.TrimSpace(payload)) == 0 {
		delete(a.discovered, entityID)
		return nil
	}
	var d descriptorPayload
	if err := json.Unmarshal(payload, &d); err != nil {
		return fmt.Errorf("decoding discovery for %s: %w", entityID, err)
	}
	a.discovered[entityID] = d
	return nil
}

// Discover waits for the discovery window, then reports every descriptor
// seen so far. Entities without a device_id get a device of their own.
func (a *Adapter) Discover(ctx context.Context) (integration.DiscoveryResult, error) {
	a.mu.Lock()
	connected := a.broker != nil
	a.mu.Unlock()
	if !connected {
		return integration.DiscoveryResult{}, ErrNotConnected
	}

	timer := time.NewTimer(a.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return integration.DiscoveryResult{}, ctx.Err()
	case <-timer.C:
	}

	a.mu.Lock()
	ids := make([]string, 0, len(a.discovered))
	for id := range a.discovered {
		ids = append(ids, id)
	}
	descs := make(map[string]descriptorPayload, len(a.discovered))
	for id, d := range a.discovered {
		descs[id] = d
	}
	a.mu.Unlock()
	sort.Strings(ids)

	deviceNames := map[string]string{}
	for _, id := range ids {
		d := descs[id]
		if d.DeviceName != "" && deviceNames[deviceIDOf(id, d)] == "" {
			deviceNames[deviceIDOf(id, d)] = d.DeviceName
		}
	}

	var res integration.DiscoveryResult
	seen := map[string]bool{}
	for _, id := range ids {
		d := descs[id]
		deviceID := deviceIDOf(id, d)
		if !seen[deviceID] {
			seen[deviceID] = true
			res.Devices = append(res.Devices, device.Device{
				ID:       deviceID,
				Type:     Name,
				Name:     firstNonEmpty(deviceNames[deviceID], d.Name, id),
				Metadata: map[string]any{"prefix": a.topics.Prefix},
			})
		}
		res.Entities = append(res.Entities, device.Entity{
			EntityID:   id,
			ExternalID: id,
			DeviceID:   deviceID,
			Name:       firstNonEmpty(d.Name, id),
		})
	}
	return res, nil
}

func deviceIDOf(entityID string, d descriptorPayload) string {
	if d.DeviceID != "" {
		return Name + ":" + d.DeviceID
	}
	return Name + ":" + entityID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Services lists mqtt.publish and mqtt.command.
func (a *Adapter) Services() []integration.ServiceSpec {
	return []integration.ServiceSpec{
		{
			Domain:      Name,
			Service:     "publish",
			Description: "Publish a payload to a topic",
			RequiredParams: map[string]integration.ParamSpec{
				"topic":   {Type: integration.ParamString},
				"payload": {Type: integration.ParamAny},
			},
			OptionalParams: map[string]integration.ParamSpec{
				"retain": {Type: integration.ParamBoolean},
				"qos":    {Type: integration.ParamInteger, Description: "0, 1 or 2"},
			},
		},
		{
			Domain:      Name,
			Service:     "command",
			Description: "Send a command to an entity's command topic",
			RequiredParams: map[string]integration.ParamSpec{
				"command": {Type: integration.ParamString},
			},
			OptionalParams: map[string]integration.ParamSpec{
				"value": {Type: integration.ParamAny},
			},
			AllowedTargets: integration.TargetSpec{Types: []integration.TargetType{integration.TargetEntity}},
		},
	}
}

// InvokeService publishes one message.
func (a *Adapter) InvokeService(ctx context.Context, call integration.ServiceCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	broker := a.broker
	a.mu.Unlock()
	if broker == nil {
		return ErrNotConnected
	}

	switch call.Service {
	case Name + ".publish":
		topic, _ := call.Params["topic"].(string)
		if topic == "" {
			return errors.New("topic must be a non-empty string")
		}
		payload, err := encodePayload(call.Params["payload"])
		if err != nil {
			return err
		}
		qos := a.qos
		if v, ok := state.ToFloat64(call.Params["qos"]); ok {
			if v < 0 || v > 2 {
				return mqtt.ErrInvalidQoS
			}
			qos = byte(v)
		}
		retain, _ := call.Params["retain"].(bool)
		return broker.Publish(topic, payload, qos, retain)

	case Name + ".command":
		id := call.ExternalID
		if id == "" {
			id = call.EntityID
		}
		name, _ := call.Params["command"].(string)
		payload, err := json.Marshal(command{Command: name, Value: call.Params["value"]})
		if err != nil {
			return fmt.Errorf("encoding command: %w", err)
		}
		if err := broker.PublishDefault(a.topics.Command(id), payload); err != nil {
			return err
		}
		if !call.Context.IsZero() {
			a.mu.Lock()
			a.causes[id] = cause{ctx: call.Context, expires: time.Now().Add(commandEchoWindow)}
			a.mu.Unlock()
		}
		return nil
	}
	return fmt.Errorf("unsupported service %s", call.Service)
}

// encodePayload sends strings as-is and everything else as JSON.
func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return b, nil
}

// Translate turns an envelope into a state or event report.
func (a *Adapter) Translate(raw []byte) ([]integration.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Link != "" {
		t := event.TypeIntegrationAvailable
		if env.Link == linkDown {
			t = event.TypeIntegrationUnavailable
		}
		return []integration.Message{{Event: &integration.EventReport{
			Type: t,
			Data: event.IntegrationData{Integration: a.name, Error: env.Error},
		}}}, nil
	}
	kind, key, ok := a.topics.Parse(env.Topic)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, env.Topic)
	}

	switch kind {
	case mqtt.KindState:
		value, attrs, err := parseState(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("state for %s: %w", key, err)
		}
		return []integration.Message{{State: &integration.StateReport{
			ExternalID: key,
			EntityID:   key,
			State:      value,
			Attributes: attrs,
			Context:    a.takeCause(key),
		}}}, nil

	case mqtt.KindEvent:
		return []integration.Message{{Event: &integration.EventReport{
			Type: event.Type(key),
			Data: parseValue(env.Payload),
		}}}, nil
	}
	return nil, nil
}

// takeCause returns and clears the context of a recent command to key.
func (a *Adapter) takeCause(key string) event.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.causes[key]
	if !ok {
		return event.Context{}
	}
	delete(a.causes, key)
	if time.Now().After(c.expires) {
		return event.Context{}
	}
	return c.ctx
}

// parseState accepts {"state": v, "attributes": {...}} or a bare value.
func parseState(payload []byte) (any, map[string]any, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil, errors.New("empty payload")
	}
	v := parseValue(payload)
	obj, ok := v.(map[string]any)
	if !ok {
		return v, nil, nil
	}
	st, ok := obj["state"]
	if !ok {
		return nil, nil, errors.New("object payload without state field")
	}
	attrs, _ := obj["attributes"].(map[string]any)
	return st, attrs, nil
}

// parseValue decodes JSON when it can and falls back to the raw string.
func parseValue(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

// Aggregate holds state reports until the next flush; events pass through.
func (a *Adapter) Aggregate(m integration.Message) *integration.Message {
	if m.State == nil {
		return &m
	}
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	key := m.State.EntityID
	if _, held := a.pending[key]; !held {
		a.order = append(a.order, key)
	}
	a.pending[key] = *m.State
	return nil
}

// Flush returns the latest held report per entity in first-seen order.
func (a *Adapter) Flush() []integration.Message {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if len(a.order) == 0 {
		return nil
	}
	out := make([]integration.Message, 0, len(a.order))
	for _, key := range a.order {
		r := a.pending[key]
		out = append(out, integration.Message{State: &r})
	}
	a.pending = make(map[string]integration.StateReport)
	a.order = nil
	return out
}

// Close ends the broker session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	broker := a.broker
	a.broker = nil
	a.mu.Unlock()
	if broker == nil {
		return nil
	}
	return broker.Close()
}
