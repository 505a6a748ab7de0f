package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/state"
)

// Status summarises a dispatch.
type Status string

// Dispatch outcomes.
const (
	StatusSuccess  Status = "success"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusAccepted Status = "accepted"
)

// Logger is the logging surface the dispatcher needs.
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

// Catalog resolves services and routes calls to adapters.
type Catalog interface {
	Lookup(service string) (integration.CatalogEntry, bool)
	Invoke(ctx context.Context, integrationName string, call integration.ServiceCall) error
}

// EntityLookup resolves target entities.
type EntityLookup interface {
	GetEntity(entityID string) (device.Entity, error)
}

// Request is one service invocation.
type Request struct {
	Service  string         `json:"service"`
	Targets  []string       `json:"targets"`
	Params   map[string]any `json:"params"`
	Blocking bool           `json:"blocking"`

	// Context links the call to its cause. A zero context starts a new chain.
	Context event.Context `json:"-"`
}

// TargetResult is the outcome for one target.
type TargetResult struct {
	EntityID string `json:"entity_id,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Result summarises a dispatch.
type Result struct {
	Service     string         `json:"service"`
	Integration string         `json:"integration"`
	Status      Status         `json:"status"`
	Targets     []TargetResult `json:"targets"`
	ContextID   string         `json:"context_id"`
}

// HardFailure reports whether every target failed.
func (r Result) HardFailure() bool {
	return r.Status == StatusFailed
}

// Deps holds the dispatcher's collaborators.
type Deps struct {
	Catalog  Catalog
	Entities EntityLookup
	Bus      event.Publisher
	Logger   Logger

	// MaxParallel caps concurrent adapter calls per request. Zero means one
	// goroutine per target.
	MaxParallel int
}

// Dispatcher validates and executes service calls.
//
// Thread Safety:
//   - Invoke is safe for concurrent use.
type Dispatcher struct {
	catalog     Catalog
	entities    EntityLookup
	bus         event.Publisher
	logger      Logger
	maxParallel int

	detached sync.WaitGroup
}

// New creates a dispatcher.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		catalog:     deps.Catalog,
		entities:    deps.Entities,
		bus:         deps.Bus,
		logger:      deps.Logger,
		maxParallel: deps.MaxParallel,
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	return d
}

// Invoke validates req and dispatches it. Validation failures return one
// of the package sentinel errors and make no adapter call. Dispatch
// outcomes, including total failure, are reported in the Result.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (Result, error) {
	entry, ok := d.catalog.Lookup(req.Service)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrServiceNotFound, req.Service)
	}
	spec := entry.Spec

	params, err := coerceParams(spec, req.Params)
	if err != nil {
		return Result{}, err
	}

	if err := checkTargets(spec, req.Targets); err != nil {
		return Result{}, err
	}

	targets, err := d.resolveTargets(req.Targets)
	if err != nil {
		return Result{}, err
	}

	callCtx := req.Context
	if callCtx.IsZero() {
		callCtx = event.NewContext()
	}

	d.publish(event.TypeCallService, event.CallServiceData{
		Service:     req.Service,
		Integration: entry.Integration,
		Targets:     append([]string(nil), req.Targets...),
		Params:      params,
		Blocking:    req.Blocking,
	}, callCtx)

	if !req.Blocking {
		d.detached.Add(1)
		go func() {
			defer d.detached.Done()
			d.run(context.WithoutCancel(ctx), entry, targets, params, callCtx)
		}()

		accepted := Result{
			Service:     req.Service,
			Integration: entry.Integration,
			Status:      StatusAccepted,
			ContextID:   callCtx.ID,
		}
		for _, t := range targets {
			accepted.Targets = append(accepted.Targets, TargetResult{EntityID: t.EntityID})
		}
		return accepted, nil
	}

	return d.run(ctx, entry, targets, params, callCtx), nil
}

// Wait blocks until every non-blocking dispatch has finished.
func (d *Dispatcher) Wait() {
	d.detached.Wait()
}

// run performs the adapter calls and publishes service_result.
func (d *Dispatcher) run(ctx context.Context, entry integration.CatalogEntry, targets []device.Entity, params map[string]any, callCtx event.Context) Result {
	service := entry.Name()
	calls := make([]integration.ServiceCall, 0, len(targets))
	for _, t := range targets {
		calls = append(calls, integration.ServiceCall{
			Service:    service,
			EntityID:   t.EntityID,
			ExternalID: t.ExternalID,
			Params:     params,
			Context:    callCtx,
		})
	}
	if len(calls) == 0 {
		calls = append(calls, integration.ServiceCall{Service: service, Params: params, Context: callCtx})
	}

	results := make([]TargetResult, len(calls))
	var g errgroup.Group
	if d.maxParallel > 0 {
		g.SetLimit(d.maxParallel)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = TargetResult{EntityID: call.EntityID, OK: true}
			if err := d.catalog.Invoke(ctx, entry.Integration, call); err != nil {
				results[i].OK = false
				results[i].Error = err.Error()
				d.logger.Warn("service call failed",
					"service", service,
					"integration", entry.Integration,
					"entity_id", call.EntityID,
					"error", err,
				)
			}
			// Failures are collected per target so siblings keep running.
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // Goroutines never return errors

	res := Result{
		Service:     service,
		Integration: entry.Integration,
		Status:      summarise(results),
		Targets:     results,
		ContextID:   callCtx.ID,
	}

	data := event.ServiceResultData{Service: service, Status: string(res.Status)}
	for _, r := range results {
		if !r.OK {
			if data.Failures == nil {
				data.Failures = make(map[string]string)
			}
			data.Failures[failureKey(r.EntityID)] = r.Error
		}
	}
	d.publish(event.TypeServiceResult, data, callCtx)

	d.logger.Debug("service dispatched", "service", service, "status", res.Status, "targets", len(results))
	return res
}

func summarise(results []TargetResult) Status {
	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	switch failed {
	case 0:
		return StatusSuccess
	case len(results):
		return StatusFailed
	default:
		return StatusPartial
	}
}

func failureKey(entityID string) string {
	if entityID == "" {
		return "_"
	}
	return entityID
}

// checkTargets enforces target presence and entity-type restrictions.
func checkTargets(spec integration.ServiceSpec, targets []string) error {
	if spec.TakesTargets() && len(targets) == 0 {
		return fmt.Errorf("%w: %s requires at least one target", ErrInvalidTarget, spec.Name())
	}
	seen := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		if !state.ValidEntityID(id) {
			return fmt.Errorf("%w: %q is not an entity id", ErrInvalidTarget, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidTarget, id)
		}
		seen[id] = struct{}{}
		if !spec.AllowsEntityType(device.EntityType(state.Domain(id))) {
			return fmt.Errorf("%w: %s does not accept %s targets", ErrInvalidTarget, spec.Name(), state.Domain(id))
		}
	}
	return nil
}

// resolveTargets requires every target to exist and be enabled.
func (d *Dispatcher) resolveTargets(ids []string) ([]device.Entity, error) {
	out := make([]device.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := d.entities.GetEntity(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is unknown", ErrEntityUnavailable, id)
		}
		if !e.Enabled {
			return nil, fmt.Errorf("%w: %s is disabled", ErrEntityUnavailable, id)
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *Dispatcher) publish(t event.Type, data any, ctx event.Context) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event.New(t, data, ctx))
}
