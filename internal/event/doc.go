// Package event defines the engine's event model and the in-process bus
// that distributes events to subsystems.
//
// An Event is an immutable record: once published, neither the publisher
// nor any subscriber may modify it or the data it carries.
//
// # Delivery
//
// Publish never runs subscriber code. Each subscriber owns a bounded queue
// drained by its own goroutine, so a slow or failing subscriber cannot hold
// up state writes or adapter ingestion. When a queue is full the oldest
// queued event is dropped and counted. Events published sequentially by one
// goroutine reach every subscriber in publication order; there is no
// global order across publishers.
//
// A handler panic is recovered and logged, and the subscriber keeps
// receiving.
//
// # Usage
//
//	bus := event.NewBus(event.BusConfig{QueueSize: 256, Logger: logger})
//	sub := bus.Subscribe("gateway", nil, func(e event.Event) { ... })
//	defer sub.Close()
//
//	bus.Publish(event.New(event.TypeTimeChanged, data, event.NewContext()))
package event
