// Package history keeps the long-lived record of what the engine did.
//
// Two bus subscribers live here:
//
//   - Recorder persists events to the SQLite events table and prunes it to
//     a retention count. The in-memory event log only covers the recent past;
//     this table survives restarts and backs GET /api/events/history.
//   - Telemetry writes numeric state values and numeric attributes from
//     state_changed events to InfluxDB, measurement "entity_state", tagged
//     with entity_id and domain.
//
// Both are optional. The Recorder is disabled with database.event_retention
// set to 0; Telemetry only runs when influxdb.enabled is true.
package history
