// Package device provides the Device and Entity registry for homecore.
//
// Integrations report what they find through discovery; the registry keeps
// the catalogue of devices (physical or logical units) and the entities
// they expose. Each Entity is addressed as {domain}.{name} and carries the
// integration-native external ID used to route state reports.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                       Device Registry                        │
//	│                                                              │
//	│  ┌──────────────────┐    ┌──────────────────┐                │
//	│  │     Registry     │    │    Repository    │                │
//	│  │  (registry.go)   │───▶│ (repository.go)  │                │
//	│  │                  │    │                  │                │
//	│  │ • cache + index  │    │ • SQLite queries │                │
//	│  │ • discovery merge│    │ • transactions   │                │
//	│  └──────────────────┘    └──────────────────┘                │
//	└──────────────────────────────────────────────────────────────┘
//
// The registry never deletes entities during discovery. Entities that an
// integration stops reporting are marked unavailable; the user's enabled
// flag survives every rediscovery.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	ent, ok := registry.ResolveExternal("virtual", "light.hall")
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Reads are served from the cache
// under a read lock; writes persist first and then update the cache.
package device
