// DeepSeek Home Control - rate-limit-aware LLM automation controller
//
// This is the main entry point for the controller daemon. It runs periodic
// rule evaluations: sensor states are snapshotted from MQTT, rendered into a
// prompt, sent to OpenRouter, and the validated commands are dispatched back
// over MQTT. HTTP 429 responses suspend the offending rule with exponential
// backoff until the provider allows traffic again.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/landirector2008-wq/ha-deepseek-control/migrations"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/api"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/automation"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/hass"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/config"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/database"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/influxdb"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/logging"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/mqtt"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
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
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit // Composition root: sequential wiring of every subsystem
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting DeepSeek Home Control",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise rule registry
	ruleRepo := rule.NewSQLiteRepository(db.DB)
	ruleRegistry := rule.NewRegistry(ruleRepo)
	ruleRegistry.SetLogger(log)

	if refreshErr := ruleRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading rule registry: %w", refreshErr)
	}
	log.Info("rule registry initialised", "rules", ruleRegistry.Count())

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// OpenRouter client
	orClient, err := openrouter.New(cfg.OpenRouter)
	if err != nil {
		return fmt.Errorf("creating OpenRouter client: %w", err)
	}
	log.Info("OpenRouter client ready", "base_url", cfg.OpenRouter.BaseURL)

	// Home Assistant MQTT surfaces: sensor state cache, command publisher,
	// persistent notifications, and rule event relay
	stateCache := hass.NewStateCache(mqttClient, 0)
	stateCache.SetLogger(log)
	if startErr := stateCache.Start(); startErr != nil {
		return fmt.Errorf("subscribing to entity states: %w", startErr)
	}
	log.Info("entity state cache started")

	commands := hass.NewCommandPublisher(mqttClient)
	commands.SetLogger(log)

	notifier := hass.NewNotifier(mqttClient)
	notifier.SetLogger(log)

	mqttEvents := hass.NewEventPublisher(mqttClient)
	mqttEvents.SetLogger(log)

	// WebSocket hub, shared between the evaluation loop and the API server
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	events := multiSink{mqttEvents, hub}

	// Evaluation loop
	evaluator := automation.NewEvaluator(stateCache, orClient, commands, ruleRegistry,
		automation.Defaults{
			Model:       cfg.Controller.DefaultModel,
			MaxTokens:   cfg.Controller.DefaultMaxTokens,
			Temperature: cfg.Controller.DefaultTemperature,
		}, log)

	runner := automation.NewRunner(evaluator, ruleRegistry, automation.RunnerConfig{})
	runner.SetNotifier(notifier)
	runner.SetEvents(events)
	runner.SetLogger(log)
	if influxClient != nil {
		runner.SetMetrics(influxClient)
	}

	// Rule edits restart the affected runner
	ruleRegistry.SetOnChange(runner.OnRuleChanged)

	if startErr := runner.Start(ctx); startErr != nil {
		return fmt.Errorf("starting evaluation loop: %w", startErr)
	}
	defer func() {
		log.Info("stopping evaluation loop")
		runner.Stop()
	}()
	log.Info("evaluation loop started", "rules", len(runner.StatusAll()))

	// Periodic OpenRouter quota probe
	probe := automation.NewQuotaProbe(orClient, cfg.Controller.QuotaProbeInterval)
	probe.SetEvents(events)
	probe.SetLogger(log)
	if influxClient != nil {
		probe.SetMetrics(influxClient)
	}
	probe.Start(ctx)
	defer probe.Stop()

	// API server
	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Rules:       ruleRegistry,
		Runner:      runner,
		Quota:       orClient,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Quota probe, evaluation loop
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("DeepSeek Home Control stopped")
	return nil
}

// multiSink fans broadcasts out to every sink (MQTT rule topics plus the
// WebSocket hub).
type multiSink []automation.EventSink

func (m multiSink) Broadcast(channel string, payload any) {
	for _, sink := range m {
		sink.Broadcast(channel, payload)
	}
}

// getConfigPath returns the configuration file path.
// Uses DEEPSEEK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEEPSEEK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
