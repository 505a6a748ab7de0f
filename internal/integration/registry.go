package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/state"
)

// Defaults used when Deps leaves a value unset.
const (
	DefaultCallTimeout      = 5 * time.Second
	DefaultDiscoveryTimeout = 30 * time.Second

	rawBufferSize = 100
)

// Logger is the logging surface of the registry and its adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EntityStore is the device registry surface the integration layer needs.
type EntityStore interface {
	GetEntity(entityID string) (device.Entity, error)
	ResolveExternal(integration, externalID string) (device.Entity, bool)
	ListEntities() []device.Entity
	ApplyDiscovery(ctx context.Context, integration string, devices []device.Device, entities []device.Entity) (device.DiscoverySummary, error)
}

// StateWriter is the state store surface the pipeline writes through.
type StateWriter interface {
	Set(entityID string, value any, attrs map[string]any, ctx event.Context) (*state.State, bool)
	Remove(entityID string) bool
}

// Deps holds the registry's collaborators.
type Deps struct {
	Configs ConfigRepository
	Devices EntityStore
	States  StateWriter
	Bus     event.Publisher
	Logger  Logger

	// CallTimeout is the system default service call timeout.
	CallTimeout time.Duration

	// DiscoveryTimeout bounds one discovery run.
	DiscoveryTimeout time.Duration

	// FlushInterval is how often aggregators are flushed.
	FlushInterval time.Duration
}

// CatalogEntry is one service in the catalog.
type CatalogEntry struct {
	Integration string
	Spec        ServiceSpec
}

// Name returns the flattened service name.
func (c CatalogEntry) Name() string {
	return c.Spec.Name()
}

type catalog map[string]CatalogEntry

// InstanceInfo describes a running integration.
type InstanceInfo struct {
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Descriptor   string    `json:"descriptor"`
	Capabilities []string  `json:"capabilities"`
	Services     []string  `json:"services"`
	LoadedAt     time.Time `json:"loaded_at"`
}

type instance struct {
	name string
	cfg  Config
	desc *Descriptor

	// mu guards closed and the adapter handle. Unload takes it for writing;
	// Invoke reads under it and calls the adapter after releasing it.
	mu       sync.RWMutex
	closed   bool
	adapter  Adapter
	services []ServiceSpec
	loadedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns descriptors, running instances and the service catalog.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Load and Unload of the same name are serialised; different names
//     proceed in parallel.
type Registry struct {
	configs ConfigRepository
	devices EntityStore
	states  StateWriter
	bus     event.Publisher
	logger  Logger

	callTimeout      time.Duration
	discoveryTimeout time.Duration
	flushInterval    time.Duration

	descMu      sync.RWMutex
	descriptors map[string]*Descriptor

	mu        sync.RWMutex
	instances map[string]*instance
	lifecycle map[string]*sync.Mutex

	catalogMu sync.Mutex
	catalog   atomic.Pointer[catalog]

	discoveryMu sync.Mutex
	discoveries map[string]*DiscoveryStatus

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRegistry creates a registry with no descriptors.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		configs:          deps.Configs,
		devices:          deps.Devices,
		states:           deps.States,
		bus:              deps.Bus,
		logger:           deps.Logger,
		callTimeout:      deps.CallTimeout,
		discoveryTimeout: deps.DiscoveryTimeout,
		flushInterval:    deps.FlushInterval,
		descriptors:      make(map[string]*Descriptor),
		instances:        make(map[string]*instance),
		lifecycle:        make(map[string]*sync.Mutex),
		discoveries:      make(map[string]*DiscoveryStatus),
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}
	if r.discoveryTimeout <= 0 {
		r.discoveryTimeout = DefaultDiscoveryTimeout
	}
	if r.flushInterval <= 0 {
		r.flushInterval = DefaultFlushInterval
	}
	empty := catalog{}
	r.catalog.Store(&empty)
	return r
}

// ─── Descriptors ────────────────────────────────────────────────────

// RegisterDescriptor adds an integration kind. Names must be unique.
func (r *Registry) RegisterDescriptor(d Descriptor) error {
	if d.Name == "" || d.Factory == nil {
		return fmt.Errorf("%w: descriptor needs a name and a factory", ErrInvalidConfig)
	}
	r.descMu.Lock()
	defer r.descMu.Unlock()
	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDescriptorExists, d.Name)
	}
	r.descriptors[d.Name] = &d
	return nil
}

// Descriptors returns every registered descriptor sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.descMu.RLock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, *d)
	}
	r.descMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) descriptor(name string) (*Descriptor, error) {
	r.descMu.RLock()
	defer r.descMu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, name)
	}
	return d, nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// LoadAll loads every enabled stored config. A failing integration is
// logged and skipped; the error is only for failing to list configs.
func (r *Registry) LoadAll(ctx context.Context) error {
	configs, err := r.configs.List(ctx)
	if err != nil {
		return fmt.Errorf("listing integration configs: %w", err)
	}
	loaded := 0
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := r.Load(ctx, cfg.IntegrationName); err != nil {
			r.logger.Error("failed to load integration", "integration", cfg.IntegrationName, "error", err)
			continue
		}
		loaded++
	}
	r.logger.Info("integrations loaded", "loaded", loaded, "configured", len(configs))
	return nil
}

// Load starts (or restarts) the integration stored under name.
func (r *Registry) Load(ctx context.Context, name string) error {
	lock := r.lifecycleLock(name)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := r.configs.Get(ctx, name)
	if err != nil {
		return err
	}
	desc, err := r.descriptor(cfg.IntegrationName)
	if err != nil {
		return err
	}
	userCfg, err := desc.ValidateConfig(cfg.UserConfig)
	if err != nil {
		return err
	}

	// Reload: stop what is running first.
	r.unloadLocked(name)

	adapter, err := desc.Factory(ctx, FactoryDeps{Name: name, Config: userCfg, Logger: r.logger})
	if err != nil {
		return fmt.Errorf("building %s adapter: %w", name, err)
	}

	services := adapter.Services()
	if err := r.checkCatalog(name, services); err != nil {
		adapter.Close() //nolint:errcheck // Adapter never connected
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	raw := make(chan []byte, rawBufferSize)
	inst := &instance{
		name:     name,
		cfg:      *cfg,
		desc:     desc,
		adapter:  adapter,
		services: services,
		loadedAt: time.Now().UTC(),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// The pipeline drains raw before Connect so initial reports are not
	// dropped once the buffer fills.
	p := newPipeline(name, adapter, raw, r.apply(name), r.flushInterval, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(inst.done)
		p.run(runCtx)
	}()
	abort := func() {
		cancel()
		<-inst.done
		adapter.Close() //nolint:errcheck // Best effort cleanup on error path
	}

	if err := adapter.Connect(runCtx, raw); err != nil {
		abort()
		return fmt.Errorf("connecting %s: %w", name, err)
	}

	// Installing the catalog rechecks collisions under the catalog lock.
	if err := r.installCatalog(name, services); err != nil {
		abort()
		return err
	}

	r.mu.Lock()
	r.instances[name] = inst
	r.mu.Unlock()

	r.logger.Info("integration loaded", "integration", name, "descriptor", desc.Name, "services", len(services))
	r.publish(event.TypeIntegrationLoaded, event.IntegrationData{Integration: name})
	return nil
}

// Unload stops a running integration.
func (r *Registry) Unload(name string) error {
	lock := r.lifecycleLock(name)
	lock.Lock()
	defer lock.Unlock()

	if !r.unloadLocked(name) {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return nil
}

// unloadLocked stops the instance under name, if any. The caller holds
// the lifecycle lock for name.
func (r *Registry) unloadLocked(name string) bool {
	r.mu.Lock()
	inst, ok := r.instances[name]
	delete(r.instances, name)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.removeCatalog(name)

	inst.mu.Lock()
	inst.closed = true
	inst.cancel()
	closeErr := inst.adapter.Close()
	inst.mu.Unlock()
	<-inst.done

	for _, e := range r.devices.ListEntities() {
		if e.Integration == name {
			r.states.Remove(e.EntityID)
		}
	}

	data := event.IntegrationData{Integration: name}
	if closeErr != nil {
		data.Error = closeErr.Error()
		r.logger.Warn("integration close failed", "integration", name, "error", closeErr)
	}
	r.logger.Info("integration unloaded", "integration", name)
	r.publish(event.TypeIntegrationUnloaded, data)
	return true
}

// Close unloads every integration and waits for background work.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.RLock()
		names := make([]string, 0, len(r.instances))
		for name := range r.instances {
			names = append(names, name)
		}
		r.mu.RUnlock()

		for _, name := range names {
			_ = r.Unload(name) //nolint:errcheck // Already unloaded concurrently is fine
		}
		r.wg.Wait()
	})
}

// Instances describes every running integration, sorted by name.
func (r *Registry) Instances() []InstanceInfo {
	r.mu.RLock()
	out := make([]InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		names := make([]string, 0, len(inst.services))
		for _, s := range inst.services {
			names = append(names, s.Name())
		}
		sort.Strings(names)
		display := inst.cfg.DisplayName
		if display == "" {
			display = inst.desc.DisplayName
		}
		out = append(out, InstanceInfo{
			Name:         inst.name,
			DisplayName:  display,
			Descriptor:   inst.desc.Name,
			Capabilities: append([]string(nil), inst.desc.Capabilities...),
			Services:     names,
			LoadedAt:     inst.loadedAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Loaded reports whether name is running.
func (r *Registry) Loaded(name string) bool {
	_, ok := r.instance(name)
	return ok
}

func (r *Registry) instance(name string) (*instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

func (r *Registry) lifecycleLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lifecycle[name]
	if !ok {
		l = &sync.Mutex{}
		r.lifecycle[name] = l
	}
	return l
}

// ─── Catalog ────────────────────────────────────────────────────────

// Lookup finds the catalog entry for a flattened service name.
func (r *Registry) Lookup(service string) (CatalogEntry, bool) {
	c := *r.catalog.Load()
	e, ok := c[service]
	return e, ok
}

// Services returns the whole catalog sorted by service name.
func (r *Registry) Services() []CatalogEntry {
	c := *r.catalog.Load()
	out := make([]CatalogEntry, 0, len(c))
	for _, e := range c {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) checkCatalog(integration string, services []ServiceSpec) error {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()
	return collisions(*r.catalog.Load(), integration, services)
}

func collisions(c catalog, integration string, services []ServiceSpec) error {
	seen := make(map[string]struct{}, len(services))
	for _, s := range services {
		name := s.Name()
		if s.Domain == "" || s.Service == "" {
			return fmt.Errorf("%w: %s declares service %q without domain or name", ErrInvalidConfig, integration, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s declares %s twice", ErrCatalogCollision, integration, name)
		}
		seen[name] = struct{}{}
		if owner, ok := c[name]; ok && owner.Integration != integration {
			return fmt.Errorf("%w: %s is already provided by %s", ErrCatalogCollision, name, owner.Integration)
		}
	}
	return nil
}

func (r *Registry) installCatalog(integration string, services []ServiceSpec) error {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()

	cur := *r.catalog.Load()
	if err := collisions(cur, integration, services); err != nil {
		return err
	}
	next := make(catalog, len(cur)+len(services))
	for k, v := range cur {
		if v.Integration != integration {
			next[k] = v
		}
	}
	for _, s := range services {
		next[s.Name()] = CatalogEntry{Integration: integration, Spec: s}
	}
	r.catalog.Store(&next)
	return nil
}

func (r *Registry) removeCatalog(integration string) {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()

	cur := *r.catalog.Load()
	next := make(catalog, len(cur))
	for k, v := range cur {
		if v.Integration != integration {
			next[k] = v
		}
	}
	r.catalog.Store(&next)
}

// ─── Invocation ─────────────────────────────────────────────────────

// Invoke routes one call to the adapter of integration. The call is bounded
// by the service timeout, then the descriptor default, then the system
// default. A timeout yields ErrAdapterTimeout; any other failure wraps
// ErrAdapterError.
func (r *Registry) Invoke(ctx context.Context, integration string, call ServiceCall) error {
	inst, ok := r.instance(integration)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, integration)
	}

	// The adapter call runs unlocked; unload cancels it through inst.ctx.
	inst.mu.RLock()
	closed, adapter := inst.closed, inst.adapter
	inst.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %s", ErrNotLoaded, integration)
	}

	timeout := r.callTimeout
	if inst.desc.CallTimeout > 0 {
		timeout = inst.desc.CallTimeout
	}
	if entry, ok := r.Lookup(call.Service); ok && entry.Integration == integration && entry.Spec.Timeout > 0 {
		timeout = entry.Spec.Timeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(inst.ctx, cancel)
	defer stop()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("panic: %v", p)
			}
		}()
		result <- adapter.InvokeService(callCtx, call)
	}()

	var err error
	select {
	case err = <-result:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	switch {
	case err == nil:
		return nil
	case inst.ctx.Err() != nil:
		return fmt.Errorf("%w: %s unloaded during %s", ErrNotLoaded, integration, call.Service)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", ErrAdapterTimeout, call.Service, timeout)
	default:
		return fmt.Errorf("%w: %s: %w", ErrAdapterError, call.Service, err)
	}
}

// ─── Pipeline sink ──────────────────────────────────────────────────

// apply returns the sink that writes translated messages of integration.
func (r *Registry) apply(integration string) func(Message) {
	return func(m Message) {
		if m.State != nil {
			r.applyState(integration, m.State)
		}
		if m.Event != nil {
			r.publishWith(m.Event.Type, m.Event.Data, m.Event.Context)
		}
	}
}

func (r *Registry) applyState(integration string, report *StateReport) {
	var (
		ent device.Entity
		ok  bool
	)
	if report.ExternalID != "" {
		ent, ok = r.devices.ResolveExternal(integration, report.ExternalID)
	}
	if !ok && report.EntityID != "" {
		e, err := r.devices.GetEntity(report.EntityID)
		ok = err == nil && e.Integration == integration
		ent = e
	}
	if !ok {
		r.logger.Debug("state report for unknown entity dropped",
			"integration", integration,
			"external_id", report.ExternalID,
			"entity_id", report.EntityID,
		)
		return
	}
	ctx := report.Context
	if ctx.IsZero() {
		ctx = event.NewContext()
	}
	r.states.Set(ent.EntityID, report.State, report.Attributes, ctx)
}

func (r *Registry) publish(t event.Type, data any) {
	r.publishWith(t, data, event.Context{})
}

func (r *Registry) publishWith(t event.Type, data any, ctx event.Context) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.New(t, data, ctx))
}
