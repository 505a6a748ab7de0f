// Package mqttbridge is the MQTT integration. It bridges a broker into the
// engine using the flat topic scheme of the infrastructure/mqtt package.
//
// Inbound:
//
//	{prefix}/state/{entity_id}      JSON {"state": ..., "attributes": {...}} or a bare value
//	{prefix}/event/{event_type}     any payload, published as an event of that type
//	{prefix}/discovery/{entity_id}  retained JSON {"name", "device_id", "device_name"}
//
// State reports are coalesced per entity and applied on the registry's
// flush interval, so a chatty sensor produces one state write per window.
//
// Services:
//
//	mqtt.publish   publish {topic, payload, retain?, qos?}; takes no targets
//	mqtt.command   publish {command, value?} to {prefix}/command/{entity_id}
//
// Config (all optional, falling back to the mqtt section of the main config):
//
//	host, port, username, password, client_id, topic_prefix, discovery_window
package mqttbridge
