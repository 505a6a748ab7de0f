// Homecore - home automation engine
//
// This is the main entry point for the homecore engine. It wires the state
// store, event bus, integration registry, service dispatcher, automation
// engine and the HTTP/WebSocket API into one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/homecore/migrations"

	"github.com/nerrad567/homecore/internal/api"
	"github.com/nerrad567/homecore/internal/automation"
	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/history"
	"github.com/nerrad567/homecore/internal/infrastructure/config"
	"github.com/nerrad567/homecore/internal/infrastructure/database"
	"github.com/nerrad567/homecore/internal/infrastructure/influxdb"
	"github.com/nerrad567/homecore/internal/infrastructure/logging"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/integrations/mqttbridge"
	"github.com/nerrad567/homecore/internal/integrations/presence"
	"github.com/nerrad567/homecore/internal/integrations/virtual"
	"github.com/nerrad567/homecore/internal/scheduler"
	"github.com/nerrad567/homecore/internal/service"
	"github.com/nerrad567/homecore/internal/state"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

const (
	// pruneSchedule is how often the events table is trimmed.
	pruneSchedule = "@every 5m"

	// pruneTimeout bounds one prune.
	pruneTimeout = 30 * time.Second

	// healthCheckTimeout bounds the startup health check.
	healthCheckTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting homecore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// ─── Storage ────────────────────────────────────────────────────

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	deviceRegistry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	deviceRegistry.SetLogger(log.Component("device"))
	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	devices, entities := deviceRegistry.Counts()
	log.Info("device registry initialised", "devices", devices, "entities", entities)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// ─── Core ───────────────────────────────────────────────────────

	bus := event.NewBus(event.BusConfig{
		QueueSize: cfg.Engine.BusQueueSize,
		Logger:    log.Component("bus"),
	})
	defer func() {
		log.Info("closing event bus")
		bus.Close()
	}()

	eventLog := event.NewLog(cfg.Engine.EventLogSize)
	eventLog.Attach(bus)

	states := state.New(state.Config{
		Publisher: bus,
		Index:     deviceRegistry,
		Logger:    log.Component("state"),
	})

	var recorder *history.Recorder
	if cfg.Database.EventRetention > 0 {
		recorder = history.NewRecorder(history.RecorderDeps{
			Repo:      history.NewSQLiteRepository(db.DB),
			Bus:       bus,
			Retention: cfg.Database.EventRetention,
			Logger:    log.Component("history"),
		})
		if startErr := recorder.Start(); startErr != nil {
			return fmt.Errorf("starting event recorder: %w", startErr)
		}
		defer func() {
			log.Info("stopping event recorder")
			recorder.Close()
		}()
	} else {
		log.Info("event persistence disabled")
	}

	if influxClient != nil {
		telemetry := history.NewTelemetry(history.TelemetryDeps{
			Writer: influxClient,
			Bus:    bus,
			Logger: log.Component("telemetry"),
		})
		if startErr := telemetry.Start(); startErr != nil {
			return fmt.Errorf("starting telemetry: %w", startErr)
		}
		defer telemetry.Close()
	}

	configs := integration.NewSQLiteConfigRepository(db.DB)
	registry := integration.NewRegistry(integration.Deps{
		Configs:          configs,
		Devices:          deviceRegistry,
		States:           states,
		Bus:              bus,
		Logger:           log.Component("integration"),
		CallTimeout:      cfg.GetCallTimeout(),
		DiscoveryTimeout: cfg.GetDiscoveryTimeout(),
	})
	for _, d := range []integration.Descriptor{
		virtual.Descriptor(),
		mqttbridge.Descriptor(cfg.MQTT, nil),
		presence.Descriptor(nil),
	} {
		if regErr := registry.RegisterDescriptor(d); regErr != nil {
			return fmt.Errorf("registering integration %s: %w", d.Name, regErr)
		}
	}
	defer func() {
		log.Info("unloading integrations")
		registry.Close()
	}()
	if loadErr := registry.LoadAll(ctx); loadErr != nil {
		return fmt.Errorf("loading integrations: %w", loadErr)
	}

	dispatcher := service.New(service.Deps{
		Catalog:     registry,
		Entities:    deviceRegistry,
		Bus:         bus,
		Logger:      log.Component("service"),
		MaxParallel: cfg.Engine.Workers,
	})

	engine := automation.NewEngine(automation.Deps{
		Repo:          automation.NewSQLiteRepository(db.DB),
		States:        states,
		Dispatcher:    dispatcher,
		Bus:           bus,
		Logger:        log.Component("automation"),
		Workers:       cfg.Engine.Workers,
		ActionTimeout: cfg.GetActionTimeout(),
	})
	if startErr := engine.Start(ctx); startErr != nil {
		return fmt.Errorf("starting automation engine: %w", startErr)
	}
	defer func() {
		log.Info("stopping automation engine")
		engine.Close()
	}()

	sched, err := scheduler.New(scheduler.Config{
		Schedule: cfg.Engine.TimeSchedule,
		Bus:      bus,
		Logger:   log.Component("scheduler"),
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	if recorder != nil {
		if jobErr := sched.AddJob("event_prune", pruneSchedule, func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
			defer cancel()
			if pruneErr := recorder.Prune(pruneCtx); pruneErr != nil {
				log.Warn("pruning persisted events failed", "error", pruneErr)
			}
		}); jobErr != nil {
			return fmt.Errorf("scheduling event prune: %w", jobErr)
		}
	}
	sched.Start()
	defer func() {
		log.Info("stopping scheduler")
		sched.Stop()
	}()
	log.Info("scheduled jobs", "jobs", sched.Jobs())

	// ─── API ────────────────────────────────────────────────────────

	gateway, err := api.NewGateway(api.GatewayDeps{
		Config:       cfg.WebSocket,
		Bus:          bus,
		Automations:  engine,
		Integrations: registry,
		Logger:       log.Component("websocket"),
	})
	if err != nil {
		return fmt.Errorf("creating websocket gateway: %w", err)
	}
	if startErr := gateway.Start(ctx); startErr != nil {
		return fmt.Errorf("starting websocket gateway: %w", startErr)
	}
	defer func() {
		log.Info("closing websocket gateway")
		gateway.Close()
	}()

	apiDeps := api.Deps{
		Config:       cfg.API,
		Logger:       log.Component("api"),
		States:       states,
		Devices:      deviceRegistry,
		Integrations: registry,
		Configs:      configs,
		Services:     dispatcher,
		Automations:  engine,
		Events:       eventLog,
		Gateway:      gateway,
		Version:      version,
	}
	if recorder != nil {
		apiDeps.History = recorder
	}
	server, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server listening", "addr", server.Addr())

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	err = healthCheck(checkCtx, db, influxClient, server)
	cancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: the API stops taking
	// requests before the engine, integrations and bus are torn down.

	log.Info("homecore stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HOMECORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HOMECORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - server: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	// MQTT health is per integration: the mqtt adapter reports its own
	// connection through the registry's instance status.

	return nil
}
