package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementEntityState is the measurement entity telemetry is written to.
const MeasurementEntityState = "entity_state"

// WriteEntityValues records numeric values for one entity at ts.
//
// The main state, when numeric, is written as field "state"; numeric
// attributes are written under their own names. The write is batched and
// non-blocking.
//
// Example:
//
//	client.WriteEntityValues("sensor.kitchen_temp", "sensor",
//	    map[string]float64{"state": 21.5, "battery": 88}, time.Now())
func (c *Client) WriteEntityValues(entityID, domain string, fields map[string]float64, ts time.Time) {
	if len(fields) == 0 || !c.IsConnected() {
		return
	}

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	point := write.NewPoint(
		MeasurementEntityState,
		map[string]string{
			"entity_id": entityID,
			"domain":    domain,
		},
		values,
		ts,
	)
	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
