package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type externalKey struct {
	integration string
	externalID  string
}

// Registry provides device and entity lookups with caching and thread
// safety. It wraps a Repository and keeps the whole catalogue in memory,
// plus two secondary indexes: device ID to entity IDs, and
// (integration, external ID) to entity ID.
//
// The cache is populated via RefreshCache() and kept in sync by every
// write going through the registry.
type Registry struct {
	repo Repository

	cacheMu    sync.RWMutex
	devices    map[string]*Device
	entities   map[string]*Entity
	byDevice   map[string]map[string]struct{}
	byExternal map[externalKey]string

	logger Logger
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:       repo,
		devices:    make(map[string]*Device),
		entities:   make(map[string]*Entity),
		byDevice:   make(map[string]map[string]struct{}),
		byExternal: make(map[externalKey]string),
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices and entities from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	entities, err := r.repo.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}

	devMap := make(map[string]*Device, len(devices))
	for i := range devices {
		devMap[devices[i].ID] = devices[i].DeepCopy()
	}
	entMap := make(map[string]*Entity, len(entities))
	byDevice := make(map[string]map[string]struct{})
	byExternal := make(map[externalKey]string, len(entities))
	for i := range entities {
		e := entities[i]
		entMap[e.EntityID] = &e
		byExternal[externalKey{e.Integration, e.ExternalID}] = e.EntityID
		if e.DeviceID != "" {
			set, ok := byDevice[e.DeviceID]
			if !ok {
				set = make(map[string]struct{})
				byDevice[e.DeviceID] = set
			}
			set[e.EntityID] = struct{}{}
		}
	}

	r.cacheMu.Lock()
	r.devices = devMap
	r.entities = entMap
	r.byDevice = byDevice
	r.byExternal = byExternal
	r.cacheMu.Unlock()

	r.logger.Info("device cache refreshed", "devices", len(devices), "entities", len(entities))
	return nil
}

// GetDevice retrieves a device by ID.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(id string) (*Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d.DeepCopy(), nil
}

// ListDevices returns all devices sorted by ID.
func (r *Registry) ListDevices() []Device {
	r.cacheMu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetEntity retrieves an entity by entity ID.
func (r *Registry) GetEntity(entityID string) (Entity, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	e, ok := r.entities[entityID]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return *e, nil
}

// ListEntities returns all entities sorted by entity ID.
func (r *Registry) ListEntities() []Entity {
	r.cacheMu.RLock()
	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, *e)
	}
	r.cacheMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// EntitiesForDevice returns the entity IDs exposed by deviceID, sorted.
func (r *Registry) EntitiesForDevice(deviceID string) []string {
	r.cacheMu.RLock()
	set := r.byDevice[deviceID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.cacheMu.RUnlock()

	sort.Strings(out)
	return out
}

// EntityIDsForDevice satisfies state.DeviceIndex.
func (r *Registry) EntityIDsForDevice(deviceID string) []string {
	return r.EntitiesForDevice(deviceID)
}

// ResolveExternal maps an integration-native ID to its entity.
func (r *Registry) ResolveExternal(integration, externalID string) (Entity, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	id, ok := r.byExternal[externalKey{integration, externalID}]
	if !ok {
		return Entity{}, false
	}
	e, ok := r.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// ApplyDiscovery merges one integration's discovery result into the
// catalogue. Devices and entities are validated first; an entity naming
// a device that is neither in the batch nor already known is detached
// from it. Nothing is ever deleted.
func (r *Registry) ApplyDiscovery(ctx context.Context, integration string, devices []Device, entities []Entity) (DiscoverySummary, error) {
	batch := make(map[string]struct{}, len(devices))
	devs := make([]Device, 0, len(devices))
	for i := range devices {
		d := *devices[i].DeepCopy()
		d.Integration = integration
		if d.ID == "" {
			d.ID = GenerateID()
		}
		if d.Type == "" {
			d.Type = string(EntityTypeUnknown)
		}
		if err := ValidateDevice(&d); err != nil {
			return DiscoverySummary{}, err
		}
		batch[d.ID] = struct{}{}
		devs = append(devs, d)
	}

	ents := make([]Entity, 0, len(entities))
	seen := make(map[string]struct{}, len(entities))
	for i := range entities {
		e := entities[i]
		e.Integration = integration
		if err := ValidateEntity(&e); err != nil {
			return DiscoverySummary{}, err
		}
		if _, dup := seen[e.ExternalID]; dup {
			return DiscoverySummary{}, fmt.Errorf("%w: duplicate external_id %q", ErrInvalidEntity, e.ExternalID)
		}
		seen[e.ExternalID] = struct{}{}

		if e.DeviceID != "" {
			if _, ok := batch[e.DeviceID]; !ok && !r.hasDevice(e.DeviceID) {
				r.logger.Warn("discovered entity references unknown device",
					"integration", integration, "entity_id", e.EntityID, "device_id", e.DeviceID)
				e.DeviceID = ""
			}
		}
		ents = append(ents, e)
	}

	marked, err := r.repo.ApplyDiscovery(ctx, integration, devs, ents)
	if err != nil {
		return DiscoverySummary{}, fmt.Errorf("applying discovery for %s: %w", integration, err)
	}
	if err := r.RefreshCache(ctx); err != nil {
		return DiscoverySummary{}, err
	}

	summary := DiscoverySummary{Devices: len(devs), Entities: len(ents), Unavailable: marked}
	r.logger.Info("discovery applied",
		"integration", integration,
		"devices", summary.Devices,
		"entities", summary.Entities,
		"unavailable", summary.Unavailable,
	)
	return summary, nil
}

// SetEntityEnabled enables or disables one entity.
func (r *Registry) SetEntityEnabled(ctx context.Context, entityID string, enabled bool) (Entity, error) {
	if err := r.repo.SetEntityEnabled(ctx, entityID, enabled); err != nil {
		return Entity{}, err
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	cached, ok := r.entities[entityID]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	updated := *cached
	updated.Enabled = enabled
	r.entities[entityID] = &updated

	r.logger.Info("entity enabled changed", "entity_id", entityID, "enabled", enabled)
	return updated, nil
}

// SetDeviceEnabled enables or disables a device and all of its entities.
func (r *Registry) SetDeviceEnabled(ctx context.Context, deviceID string, enabled bool) (*Device, error) {
	if err := r.repo.SetDeviceEnabled(ctx, deviceID, enabled); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	cached, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	updated := cached.DeepCopy()
	updated.Enabled = enabled
	r.devices[deviceID] = updated

	for id := range r.byDevice[deviceID] {
		if e, ok := r.entities[id]; ok {
			cpy := *e
			cpy.Enabled = enabled
			r.entities[id] = &cpy
		}
	}

	r.logger.Info("device enabled changed", "device_id", deviceID, "enabled", enabled, "entities", len(r.byDevice[deviceID]))
	return updated.DeepCopy(), nil
}

// Counts returns the number of cached devices and entities.
func (r *Registry) Counts() (devices, entities int) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.devices), len(r.entities)
}

func (r *Registry) hasDevice(id string) bool {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	_, ok := r.devices[id]
	return ok
}
