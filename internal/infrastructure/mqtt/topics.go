package mqtt

import "strings"

// DefaultPrefix is the topic root used when none is configured.
const DefaultPrefix = "homecore"

// Topic kinds under the prefix.
const (
	KindState     = "state"
	KindEvent     = "event"
	KindDiscovery = "discovery"
	KindCommand   = "command"
)

// Topics builds and parses the flat topic scheme used by the MQTT
// integration: {prefix}/{kind}/{key}.
//
//	topics := mqtt.Topics{Prefix: "homecore"}
//	topics.State("sensor.door") // "homecore/state/sensor.door"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

func (t Topics) build(kind, key string) string {
	return t.prefix() + "/" + kind + "/" + key
}

// State is the topic on which a device reports an entity's state.
func (t Topics) State(entity string) string { return t.build(KindState, entity) }

// Event is the topic on which a device reports a domain event.
func (t Topics) Event(eventType string) string { return t.build(KindEvent, eventType) }

// Discovery is the retained topic describing an entity.
func (t Topics) Discovery(entity string) string { return t.build(KindDiscovery, entity) }

// Command is the topic the engine publishes entity commands on.
func (t Topics) Command(entity string) string { return t.build(KindCommand, entity) }

// Status is the retained online/offline status topic for the engine.
func (t Topics) Status() string { return t.prefix() + "/status" }

// AllOf is the single-level wildcard subscription for kind.
func (t Topics) AllOf(kind string) string { return t.build(kind, "+") }

// Parse splits a received topic into kind and key. ok is false when the
// topic is not under the prefix or has no key.
func (t Topics) Parse(topic string) (kind, key string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/")
	if !found {
		return "", "", false
	}
	kind, key, found = strings.Cut(rest, "/")
	if !found || kind == "" || key == "" {
		return "", "", false
	}
	return kind, key, true
}
