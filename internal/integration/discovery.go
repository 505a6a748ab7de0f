package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/homecore/internal/event"
)

// Discovery run states.
const (
	DiscoveryIdle      = "idle"
	DiscoveryRunning   = "running"
	DiscoveryCompleted = "completed"
	DiscoveryFailed    = "failed"
)

// DiscoveryStatus is the last known discovery outcome for an integration.
type DiscoveryStatus struct {
	Integration string     `json:"integration"`
	Status      string     `json:"status"`
	Devices     int        `json:"devices"`
	Entities    int        `json:"entities"`
	Unavailable int        `json:"unavailable"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Discover starts discovery for a loaded integration and returns at once.
// While a run is in progress further calls get ErrDiscoveryInProgress.
// The run is bounded by the discovery timeout and cancelled on unload.
func (r *Registry) Discover(name string) error {
	inst, ok := r.instance(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}

	r.discoveryMu.Lock()
	st, ok := r.discoveries[name]
	if ok && st.Status == DiscoveryRunning {
		r.discoveryMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDiscoveryInProgress, name)
	}
	now := time.Now().UTC()
	r.discoveries[name] = &DiscoveryStatus{Integration: name, Status: DiscoveryRunning, StartedAt: &now}
	r.discoveryMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runDiscovery(inst)
	}()
	return nil
}

func (r *Registry) runDiscovery(inst *instance) {
	ctx, cancel := context.WithTimeout(inst.ctx, r.discoveryTimeout)
	defer cancel()

	result, err := r.discover(ctx, inst)

	final := DiscoveryStatus{Integration: inst.name, Status: DiscoveryCompleted}
	data := event.DiscoveryData{Integration: inst.name}
	if err == nil {
		summary, applyErr := r.devices.ApplyDiscovery(ctx, inst.name, result.Devices, result.Entities)
		if applyErr != nil {
			err = applyErr
		} else {
			final.Devices, final.Entities, final.Unavailable = summary.Devices, summary.Entities, summary.Unavailable
			data.Devices, data.Entities = summary.Devices, summary.Entities
		}
	}
	if err != nil {
		final.Status = DiscoveryFailed
		final.Error = err.Error()
		data.Error = err.Error()
		r.logger.Warn("discovery failed", "integration", inst.name, "error", err)
	} else {
		r.logger.Info("discovery completed", "integration", inst.name, "devices", final.Devices, "entities", final.Entities)
	}

	r.discoveryMu.Lock()
	if prev, ok := r.discoveries[inst.name]; ok {
		final.StartedAt = prev.StartedAt
	}
	now := time.Now().UTC()
	final.FinishedAt = &now
	r.discoveries[inst.name] = &final
	r.discoveryMu.Unlock()

	r.publish(event.TypeDiscoveryCompleted, data)
}

func (r *Registry) discover(ctx context.Context, inst *instance) (res DiscoveryResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: discover panic: %v", ErrAdapterError, p)
		}
	}()
	res, err = inst.adapter.Discover(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrAdapterError, err)
	}
	return res, nil
}

// DiscoveryStatus returns the last discovery outcome for name.
func (r *Registry) DiscoveryStatus(name string) DiscoveryStatus {
	r.discoveryMu.Lock()
	defer r.discoveryMu.Unlock()
	if st, ok := r.discoveries[name]; ok {
		return *st
	}
	return DiscoveryStatus{Integration: name, Status: DiscoveryIdle}
}
