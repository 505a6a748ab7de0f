package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/homecore/internal/automation"
	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/history"
	"github.com/nerrad567/homecore/internal/infrastructure/config"
	"github.com/nerrad567/homecore/internal/infrastructure/logging"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/service"
	"github.com/nerrad567/homecore/internal/state"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// StateReader is the read side of the state store.
type StateReader interface {
	Get(entityID string) (state.State, error)
	All() []state.State
	ForDevice(deviceID string) []state.State
}

// DeviceService is what the API needs from the device registry.
type DeviceService interface {
	ListDevices() []device.Device
	GetDevice(id string) (*device.Device, error)
	ListEntities() []device.Entity
	GetEntity(entityID string) (device.Entity, error)
	SetDeviceEnabled(ctx context.Context, deviceID string, enabled bool) (*device.Device, error)
	SetEntityEnabled(ctx context.Context, entityID string, enabled bool) (device.Entity, error)
}

// IntegrationService is what the API needs from the integration registry.
type IntegrationService interface {
	Instances() []integration.InstanceInfo
	Descriptors() []integration.Descriptor
	Services() []integration.CatalogEntry
	Load(ctx context.Context, name string) error
	Unload(name string) error
	Discover(name string) error
	DiscoveryStatus(name string) integration.DiscoveryStatus
}

// ServiceInvoker executes service calls.
type ServiceInvoker interface {
	Invoke(ctx context.Context, req service.Request) (service.Result, error)
}

// AutomationService is what the API needs from the automation engine.
type AutomationService interface {
	List(ctx context.Context) ([]automation.Automation, error)
	Get(ctx context.Context, id string) (*automation.Automation, error)
	Create(ctx context.Context, a *automation.Automation) error
	Update(ctx context.Context, a *automation.Automation) error
	Delete(ctx context.Context, id string) error
	Reload(ctx context.Context) error
	Trigger(ctx context.Context, id string) (automation.RunResult, error)
	Stats() automation.Stats
}

// EventReader returns recent bus events, newest last.
type EventReader interface {
	Recent(limit int) []event.Event
}

// EventHistory reads persisted events.
type EventHistory interface {
	Query(ctx context.Context, q history.Query) ([]history.Record, error)
}

// Deps holds the dependencies required by the API server.
// Only Logger is required; routes whose collaborator is nil are not mounted.
type Deps struct {
	Config       config.APIConfig
	Logger       *logging.Logger
	States       StateReader
	Devices      DeviceService
	Integrations IntegrationService
	Configs      integration.ConfigRepository
	Services     ServiceInvoker
	Automations  AutomationService
	Events       EventReader
	History      EventHistory
	Gateway      *Gateway
	Version      string
}

// Server is the HTTP API server for homecore.
//
// It manages the HTTP listener, routes and middleware. The WebSocket
// Gateway is owned by the caller and mounted on the router.
// The server is created with New() and started with Start().
type Server struct {
	cfg          config.APIConfig
	logger       *logging.Logger
	states       StateReader
	devices      DeviceService
	integrations IntegrationService
	configs      integration.ConfigRepository
	services     ServiceInvoker
	automations  AutomationService
	events       EventReader
	history      EventHistory
	gateway      *Gateway
	version      string

	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Collaborators and configuration
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Server{
		cfg:          deps.Config,
		logger:       deps.Logger,
		states:       deps.States,
		devices:      deps.Devices,
		integrations: deps.Integrations,
		configs:      deps.Configs,
		services:     deps.Services,
		automations:  deps.Automations,
		events:       deps.Events,
		history:      deps.History,
		gateway:      deps.Gateway,
		version:      deps.Version,
	}, nil
}

// Start binds the listener and serves HTTP in a background goroutine.
// The bind happens synchronously so a port conflict is returned here.
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
