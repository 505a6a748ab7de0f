// Package influxdb provides InfluxDB connectivity for Homecore telemetry.
//
// It wraps influxdb-client-go v2. The history package subscribes to
// state_changed events and writes numeric entity values through it, giving
// long-term charts for sensors without loading the engine's in-memory
// state store.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteEntityValues("sensor.kitchen_temp", "sensor",
//	    map[string]float64{"state": 21.5}, time.Now())
//
// Writes are batched according to batch_size and flush_interval.
package influxdb
