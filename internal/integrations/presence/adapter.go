// Package presence tracks whether hosts answer on the local network.
//
// Each configured .local host name becomes a device_tracker entity whose
// state is "home" while mDNS resolves it and "not_home" otherwise. Hosts
// are polled on an interval; the device_tracker.refresh service polls
// immediately.
//
// Example config:
//
//	{"hosts": "alice-phone.local, bob-laptop.local", "interval": 30}
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/integration"
)

// Name is the descriptor name of the presence integration.
const Name = "presence"

// Tracker states.
const (
	StateHome    = "home"
	StateNotHome = "not_home"
)

const (
	defaultInterval     = 30 * time.Second
	defaultQueryTimeout = 2 * time.Second
)

// ErrNotConnected is returned when a call arrives before Connect.
var ErrNotConnected = errors.New("presence: not connected")

// Descriptor returns the integration descriptor. A nil open uses mDNS.
func Descriptor(open ResolverFactory) integration.Descriptor {
	if open == nil {
		open = func() (Resolver, error) { return OpenMDNS() }
	}
	return integration.Descriptor{
		Name:         Name,
		DisplayName:  "Presence",
		Description:  "Home/away tracking of phones and laptops over mDNS.",
		Version:      "1.0.0",
		Capabilities: []string{"discovery", "services", "polling"},
		ConfigSchema: map[string]integration.ConfigField{
			"hosts": {
				Label:       "Hosts",
				Description: "Comma-separated .local host names",
				Type:        integration.ConfigFieldText,
				Required:    true,
			},
			"interval":      {Label: "Poll interval (s)", Type: integration.ConfigFieldNumber, Default: defaultInterval.Seconds()},
			"query_timeout": {Label: "Query timeout (s)", Type: integration.ConfigFieldNumber, Default: defaultQueryTimeout.Seconds()},
		},
		Factory: func(_ context.Context, deps integration.FactoryDeps) (integration.Adapter, error) {
			return newAdapter(deps, open)
		},
	}
}

// sighting is the raw payload for one poll result.
type sighting struct {
	Host string `json:"host"`
	Home bool   `json:"home"`
	IP   string `json:"ip,omitempty"`
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Adapter polls a fixed set of hosts.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Polls are serialised.
type Adapter struct {
	hosts        []string
	interval     time.Duration
	queryTimeout time.Duration
	open         ResolverFactory
	logger       integration.Logger

	mu       sync.Mutex
	resolver Resolver
	out      chan<- []byte
	ctx      context.Context
	cancel   context.CancelFunc

	pollMu sync.Mutex
	wg     sync.WaitGroup
}

func newAdapter(deps integration.FactoryDeps, open ResolverFactory) (*Adapter, error) {
	var hosts []string
	seen := map[string]bool{}
	for _, h := range integration.ConfigList(deps.Config, "hosts") {
		h = strings.ToLower(strings.TrimSuffix(h, "."))
		if !strings.HasSuffix(h, ".local") || h == ".local" {
			return nil, fmt.Errorf("%w: presence: %q is not a .local name", integration.ErrInvalidConfig, h)
		}
		if !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: presence: hosts is empty", integration.ErrInvalidConfig)
	}

	a := &Adapter{
		hosts:        hosts,
		interval:     integration.ConfigDuration(deps.Config, "interval", defaultInterval),
		queryTimeout: integration.ConfigDuration(deps.Config, "query_timeout", defaultQueryTimeout),
		open:         open,
		logger:       deps.Logger,
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}
	return a, nil
}

// EntityID returns the tracker entity for a host, e.g.
// "alice-phone.local" becomes "device_tracker.alice_phone".
func EntityID(host string) string {
	name := strings.TrimSuffix(host, ".local")
	name = strings.NewReplacer("-", "_", ".", "_").Replace(name)
	return string(device.EntityTypeDeviceTracker) + "." + name
}

// Connect opens the resolver and starts the poll loop.
func (a *Adapter) Connect(ctx context.Context, out chan<- []byte) error {
	resolver, err := a.open()
	if err != nil {
		return fmt.Errorf("opening resolver: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.resolver = resolver
	a.out = out
	a.ctx = loopCtx
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.loop(loopCtx)
	return nil
}

func (a *Adapter) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

// poll queries every host once and emits a sighting for each.
func (a *Adapter) poll(ctx context.Context) {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()

	a.mu.Lock()
	resolver, out, runCtx := a.resolver, a.out, a.ctx
	a.mu.Unlock()
	if resolver == nil {
		return
	}

	for _, host := range a.hosts {
		if ctx.Err() != nil {
			return
		}
		qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
		addr, err := resolver.Lookup(qctx, host)
		cancel()

		s := sighting{Host: host, Home: err == nil && addr.IsValid()}
		if s.Home {
			s.IP = addr.String()
		}
		raw, err := json.Marshal(s)
		if err != nil {
			continue
		}
		if !integration.Send(runCtx, out, raw) {
			a.logger.Warn("presence: sighting dropped", "host", host)
		}
	}
}

// Discover reports one tracker device per host.
func (a *Adapter) Discover(ctx context.Context) (integration.DiscoveryResult, error) {
	if err := ctx.Err(); err != nil {
		return integration.DiscoveryResult{}, err
	}
	var res integration.DiscoveryResult
	for _, host := range a.hosts {
		deviceID := Name + ":" + host
		res.Devices = append(res.Devices, device.Device{
			ID:   deviceID,
			Type: Name,
			Name: strings.TrimSuffix(host, ".local"),
		})
		res.Entities = append(res.Entities, device.Entity{
			EntityID:   EntityID(host),
			ExternalID: host,
			DeviceID:   deviceID,
			Type:       device.EntityTypeDeviceTracker,
			Name:       host,
		})
	}
	return res, nil
}

// Services lists device_tracker.refresh.
func (a *Adapter) Services() []integration.ServiceSpec {
	return []integration.ServiceSpec{{
		Domain:      string(device.EntityTypeDeviceTracker),
		Service:     "refresh",
		Description: "Poll every tracked host now",
	}}
}

// InvokeService runs a poll on the caller's context.
func (a *Adapter) InvokeService(ctx context.Context, call integration.ServiceCall) error {
	if call.Service != string(device.EntityTypeDeviceTracker)+".refresh" {
		return fmt.Errorf("unsupported service %s", call.Service)
	}
	a.mu.Lock()
	connected := a.resolver != nil
	a.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	a.poll(ctx)
	return ctx.Err()
}

// Translate turns a sighting into a tracker state.
func (a *Adapter) Translate(raw []byte) ([]integration.Message, error) {
	var s sighting
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding sighting: %w", err)
	}
	if s.Host == "" {
		return nil, errors.New("sighting without host")
	}

	report := &integration.StateReport{
		ExternalID: s.Host,
		State:      StateNotHome,
		Attributes: map[string]any{"host": s.Host},
	}
	if s.Home {
		report.State = StateHome
		report.Attributes["ip"] = s.IP
	}
	return []integration.Message{{State: report}}, nil
}

// Close stops the poll loop and the resolver.
func (a *Adapter) Close() error {
	a.mu.Lock()
	cancel, resolver := a.cancel, a.resolver
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.wg.Wait()

	a.mu.Lock()
	a.resolver = nil
	a.out = nil
	a.mu.Unlock()
	return resolver.Close()
}
