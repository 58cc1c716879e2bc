// devicelink - IoT device connectivity service
//
// This is the main entry point for the devicelink service. It connects
// embedded devices to the platform over MQTT (optionally bridged through
// RabbitMQ):
//   - Auto-registers devices on first telemetry
//   - Tracks online/offline liveness and emits status changes
//   - Publishes acknowledged commands to single devices or all of them
//   - Exposes an operator HTTP API
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/rnrsolutions/devicelink/migrations"

	"github.com/rnrsolutions/devicelink/internal/api"
	"github.com/rnrsolutions/devicelink/internal/command"
	"github.com/rnrsolutions/devicelink/internal/device"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/amqp"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/database"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/influxdb"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/logging"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/mqtt"
	"github.com/rnrsolutions/devicelink/internal/ingest"
	"github.com/rnrsolutions/devicelink/internal/liveness"
	"github.com/rnrsolutions/devicelink/internal/notify"
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

// pendingAckTimeout bounds how long shutdown waits for in-flight commands.
const pendingAckTimeout = 5 * time.Second

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
// Resources are released in reverse order of acquisition: HTTP first, then
// the consumers, then in-flight commands, then the broker connections,
// InfluxDB, and finally the database.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting devicelink",
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
	defer log.Sync() //nolint:errcheck // Best-effort flush on exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
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

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("flushing and closing InfluxDB")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT: one connection per role so a publisher outage never stalls
	// telemetry intake and vice versa.
	mqttPublisher := mqtt.New(cfg.MQTT, mqtt.RolePublisher)
	mqttPublisher.SetLogger(log)
	defer closeMQTT(log, mqttPublisher)

	mqttConsumer := mqtt.New(cfg.MQTT, mqtt.RoleConsumer)
	mqttConsumer.SetLogger(log)
	defer closeMQTT(log, mqttConsumer)

	// The publisher connects lazily on the first command, so a broker that
	// is down at boot only degrades the command path.
	if connErr := mqttPublisher.Connect(ctx); connErr != nil {
		log.Warn("MQTT publisher not connected at startup", "error", connErr)
	}

	// AMQP (optional)
	var amqpPublisher *amqp.Publisher
	var amqpClient *amqp.Client
	if cfg.AMQP.Enabled {
		amqpPublisher = amqp.NewPublisher(cfg.AMQP, log)
		defer func() {
			log.Info("closing AMQP publisher")
			if closeErr := amqpPublisher.Close(); closeErr != nil {
				log.Error("error closing AMQP publisher", "error", closeErr)
			}
		}()
		amqpClient = amqp.NewClient(cfg.AMQP, amqp.WithLogger(log))
	}

	notifier := buildNotifier(cfg, log, mqttConsumer, amqpPublisher, influxClient)

	// Registry, liveness, and commands
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo, cfg.Discovery.NamePrefix)
	registry.SetLogger(log)

	tracker := liveness.New(deviceRepo, liveness.Config{
		OfflineThreshold: cfg.OfflineThreshold(),
		SweepInterval:    cfg.SweepInterval(),
	}, liveness.WithNotifier(notifier), liveness.WithLogger(log))
	tracker.SetOnOffline(registry.Release)

	known, err := registry.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	tracker.Seed(known)
	log.Info("device registry loaded", "devices", len(known))

	publisher := command.NewPublisher(mqttPublisher, registry, command.Config{
		Source:           cfg.Commands.Source,
		DefaultPriority:  cfg.Commands.DefaultPriority,
		MaxPayloadBytes:  cfg.Commands.MaxPayloadBytes,
		FailureLogSize:   cfg.Commands.FailureLogSize,
		BroadcastTimeout: cfg.BroadcastTimeout(),
		BroadcastWorkers: cfg.Commands.BroadcastWorkers,
		WelcomeMessage:   cfg.Discovery.WelcomeMessage,
	}, command.WithLogger(log))
	if cfg.Discovery.WelcomeEnabled {
		registry.SetDiscoveryHook(publisher.WelcomeHook())
	}

	pipelineOpts := []ingest.Option{ingest.WithNotifier(notifier), ingest.WithLogger(log)}
	if influxClient != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithTimeSeries(influxClient))
	}
	pipeline := ingest.NewPipeline(registry, tracker, deviceRepo, pipelineOpts...)

	// Background work: sweep plus one consumer. consumeCtx is cancelled
	// on shutdown after the HTTP server stops.
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()
	g, gctx := errgroup.WithContext(consumeCtx)

	g.Go(func() error { return tracker.Run(gctx) })

	g.Go(func() error {
		if connErr := mqttConsumer.Connect(gctx); connErr != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connecting MQTT consumer: %w", connErr)
		}
		if cfg.Ingest.Source != config.SourceMQTT {
			return nil
		}
		if subErr := pipeline.SubscribeMQTT(gctx, mqttConsumer, byte(cfg.MQTT.QoS)); subErr != nil {
			return fmt.Errorf("subscribing to device topics: %w", subErr)
		}
		log.Info("consuming telemetry from MQTT")
		return nil
	})

	if cfg.Ingest.Source == config.SourceAMQP {
		g.Go(func() error {
			log.Info("consuming telemetry from AMQP", "queues", ingest.Queues)
			return amqpClient.Run(gctx, ingest.Queues, pipeline.HandleDelivery)
		})
	}

	// HTTP API
	checks := map[string]api.HealthChecker{
		"database":       db,
		"mqtt_publisher": mqttPublisher,
		"mqtt_consumer":  mqttConsumer,
	}
	if amqpClient != nil && cfg.Ingest.Source == config.SourceAMQP {
		checks["amqp"] = amqpClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		Logger:    log,
		Registry:  registry,
		Publisher: publisher,
		Liveness:  tracker,
		Ingest:    pipeline,
		Sessions:  []api.SessionReporter{mqttPublisher, mqttConsumer},
		Checks:    checks,
		Version:   version,
	})
	if err != nil {
		stopConsuming()
		_ = g.Wait()
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		stopConsuming()
		_ = g.Wait()
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"site", cfg.Site.Name,
		"ingest_source", cfg.Ingest.Source,
	)

	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := server.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}

	stopConsuming()
	groupErr := g.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), pendingAckTimeout)
	if err := publisher.WaitWelcomes(waitCtx); err != nil {
		log.Warn("shutting down with welcome commands in flight", "error", err)
	}
	if err := publisher.Pending().Wait(waitCtx); err != nil {
		log.Warn("shutting down with unacknowledged commands",
			"pending", publisher.Pending().Len(),
			"error", err,
		)
	}
	cancel()

	// Deferred closes run next: AMQP, MQTT consumer, MQTT publisher,
	// InfluxDB, database.
	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		return groupErr
	}

	log.Info("devicelink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEVICELINK_CONFIG environment variable if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("DEVICELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildNotifier assembles the enabled status-change outputs. Logging is
// always on; the others follow the notify section of the config.
func buildNotifier(cfg *config.Config, log *logging.Logger, mqttClient *mqtt.Client, amqpPub *amqp.Publisher, influxClient *influxdb.Client) notify.Notifier {
	notifiers := notify.Multi{notify.NewLog(log)}

	if cfg.Notify.MQTT {
		notifiers = append(notifiers, notify.NewMQTT(mqttClient, byte(cfg.MQTT.QoS)))
	}
	if cfg.Notify.AMQP && amqpPub != nil {
		notifiers = append(notifiers, notify.NewAMQP(amqpPub))
	}
	if influxClient != nil {
		notifiers = append(notifiers, notify.NewInflux(influxClient))
	}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID, cfg.Site.Name)
		if err != nil {
			// Alerts are optional; the platform runs without them.
			log.Error("telegram notifier disabled", "error", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}

	return notifiers
}

func closeMQTT(log *logging.Logger, c *mqtt.Client) {
	log.Info("closing MQTT connection", "client_id", c.ClientID())
	if err := c.Close(); err != nil {
		log.Error("error closing MQTT", "client_id", c.ClientID(), "error", err)
	}
}
