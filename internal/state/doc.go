// Package state holds the authoritative in-memory view of every entity's
// last known state.
//
// Writes are linearized per entity: two Set calls for the same entity never
// interleave, while sets for different entities proceed in parallel. Every
// stored State is immutable; Get returns a deep copy and a write replaces
// the stored value rather than editing it.
//
// When a Set changes the main value or the attributes, the store publishes
// a state_changed event carrying old and new snapshots before Set returns.
// Delivery to subscribers happens asynchronously on the event bus and never
// rolls back the write.
package state
