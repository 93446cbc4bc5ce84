// warpd - WARP fluid-handling cell daemon
//
// warpd is the device orchestration service for one laboratory
// fluid-handling automation cell. It owns the hardware devices (relay
// board, rotary selector valve, syringe pump, linear axes, temperature
// loop, peristaltic pump and flow sensor), runs the sampling and
// cleaning sequences, and exposes a REST/SSE/WebSocket surface plus
// MQTT and InfluxDB telemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/warpfluidics/warpd/migrations"

	"github.com/warpfluidics/warpd/internal/api"
	"github.com/warpfluidics/warpd/internal/broadcast"
	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/hardware"
	"github.com/warpfluidics/warpd/internal/infrastructure/config"
	"github.com/warpfluidics/warpd/internal/infrastructure/database"
	"github.com/warpfluidics/warpd/internal/infrastructure/influxdb"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
	"github.com/warpfluidics/warpd/internal/infrastructure/mqtt"
	"github.com/warpfluidics/warpd/internal/sequence"
	"github.com/warpfluidics/warpd/internal/telemetry"
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

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting warpd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "cell", cfg.Cell.ID)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the run log database
	db, err := database.Open(database.Config{
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
	log.Info("database connected", "path", db.Path())

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Build the hardware backend
	hw, err := buildHardware(cfg.Hardware)
	if err != nil {
		return fmt.Errorf("building hardware backend: %w", err)
	}
	log.Info("hardware backend ready", "backend", cfg.Hardware.Backend)

	// Event broadcaster feeds the API streams and telemetry sinks
	bus := broadcast.New(cfg.Broadcast.BufferSize)
	defer bus.Close()

	// Cell controller owns the hardware
	ctrl, err := cell.New(ctx, cfg.Hardware, hw, bus, log)
	if err != nil {
		return fmt.Errorf("initialising cell controller: %w", err)
	}
	log.Info("cell controller initialised", "state", ctrl.State())

	// Sequence engine and run history
	library := sequence.NewLibrary()
	runRepo := sequence.NewSQLiteRepository(db.DB)
	engine := sequence.NewEngine(cfg.Sequence, ctrl, library, runRepo, log)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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

	// Telemetry: event relay, sensor polling and the periodic status tick
	startTelemetry(ctx, cfg, ctrl, bus, mqttClient, influxClient, log)

	// Inbound MQTT commands, so the cell can run headless under a
	// supervisory broker as well as over HTTP.
	if mqttClient != nil {
		commands := telemetry.NewCommands(cfg.Cell.ID, ctrl, engine, log)
		//nolint:gosec // QoS is validated to 0..2 by config.Load
		if err := commands.Attach(mqttClient, byte(cfg.MQTT.QoS)); err != nil {
			log.Warn("subscribing to command topics failed", "error", err)
		} else {
			log.Info("MQTT command consumer attached", "cell_id", cfg.Cell.ID)
		}
	}

	// API server
	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Controller: ctrl,
		Engine:     engine,
		Library:    library,
		Runs:       runRepo,
		Bus:        bus,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Stop a run in flight so the hardware is not left mid-step.
	if err := engine.Stop(); err == nil {
		log.Info("active sequence run stopped for shutdown")
	}

	log.Info("warpd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses WARPD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WARPD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildHardware constructs the device bundle for the configured backend.
// The simulator is the only built-in backend; real device drivers
// register additional cases here.
func buildHardware(cfg config.HardwareConfig) (hardware.Cell, error) {
	switch cfg.Backend {
	case "", "sim":
		sim := hardware.NewSimCell(hardware.SimConfig{
			RelayChannels:    cfg.Relay.Channels,
			RotaryPorts:      cfg.Rotary.Ports,
			TemperatureBandC: cfg.Temperature.ReadyBandC,
		})
		return sim.Cell(), nil
	default:
		return hardware.Cell{}, fmt.Errorf("unknown hardware backend %q", cfg.Backend)
	}
}

// startTelemetry launches the background goroutines that keep snapshots
// fresh and feed the external sinks.
func startTelemetry(ctx context.Context, cfg *config.Config, ctrl *cell.Controller, bus *broadcast.Broadcaster, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) {
	// The concrete clients are optional; the publisher takes interfaces,
	// and a typed nil pointer would not compare equal to nil inside it.
	var mqttSink telemetry.MQTTPublisher
	if mqttClient != nil {
		mqttSink = mqttClient
	}
	var influxSink telemetry.MetricWriter
	if influxClient != nil {
		influxSink = influxClient
	}

	//nolint:gosec // QoS is validated to 0..2 by config.Load
	publisher := telemetry.NewPublisher(cfg.Cell.ID, byte(cfg.MQTT.QoS), bus, mqttSink, influxSink, log)
	go publisher.Run(ctx)

	poller := telemetry.NewPoller(ctrl, time.Duration(cfg.Hardware.Flow.PollInterval)*time.Millisecond, log)
	go poller.Run(ctx)

	// Periodic status tick so idle subscribers still see fresh readings.
	go bus.RunTicker(ctx, cfg.BroadcastTick(), func() broadcast.Event {
		return broadcast.Event{Type: broadcast.EventStatus, Payload: ctrl.Snapshot()}
	})
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - apiServer: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}
