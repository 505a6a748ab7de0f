// Package virtual implements an in-memory integration.
//
// Each configured entity ID becomes one device with one entity. Service
// calls change an internal value and emit a raw report on the adapter's
// channel, which Translate turns back into a state report. That closes
// the adapter → pipeline → state store loop without any hardware, which
// makes the integration useful for demos and end-to-end tests.
//
// Supported domains:
//
//	switch        on | off        switch.turn_on, switch.turn_off, switch.toggle
//	light         on | off        light.turn_on (brightness), light.turn_off
//	input_number  float64         input_number.set_value (value)
//	sensor        any             none; holds its initial value
//
// Configuration:
//
//	entities: "light.hall, switch.fan, input_number.target"
package virtual
