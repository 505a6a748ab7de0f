// Package mqtt provides MQTT client connectivity for Homecore.
//
// This package manages:
//   - Connection to a broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// The MQTT integration adapter is its only consumer. Devices speak a flat
// topic scheme under a configurable prefix:
//
//	{prefix}/state/{entity_id}      device → engine, JSON {state, attributes}
//	{prefix}/event/{event_type}     device → engine, JSON event data
//	{prefix}/discovery/{entity_id}  retained entity descriptors
//	{prefix}/command/{entity_id}    engine → device
//	{prefix}/status                 engine online/offline (retained, LWT)
//
// Usage:
//
//	topics := mqtt.Topics{Prefix: "homecore"}
//	client, err := mqtt.Connect(cfg, topics)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.AllOf(mqtt.KindState), 1, handler)
package mqtt
