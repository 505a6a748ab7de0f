// Package integration hosts protocol adapters and routes service calls to
// them.
//
// An integration is described by a Descriptor (name, config schema and a
// factory). A stored Config for that name turns into a running instance on
// Load: the factory builds an Adapter, the adapter connects and streams raw
// payloads into a per-integration pipeline, and its services are merged
// into the shared service catalog.
//
//	adapter.Connect ──raw──▶ pipeline: Translate → Aggregate → apply
//	                                                   │
//	                               state reports ──────┼──▶ state.Store.Set
//	                               event reports ──────┴──▶ event bus
//
// The catalog is keyed by the flattened service name "domain.service". It
// is replaced copy-on-write whenever an integration loads or unloads, so
// lookups never take a lock.
//
// Each instance has its own lifecycle lock. Invoke holds it for reading,
// Load and Unload for writing, and no registry-wide lock is held while an
// adapter does I/O.
package integration
