// Runlet - supervised external process manager
//
// This is the main entry point for the Runlet daemon. Runlet launches and
// supervises external OS processes on behalf of API and MQTT clients:
//   - One child process per run, in its own process group
//   - Byte-accurate stdin/stdout/stderr streaming with backpressure
//   - Exactly-once exit reporting, journalled to SQLite
//   - Graceful SIGTERM-then-SIGKILL teardown of everything it started
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/runlet-core/migrations"

	"github.com/nerrad567/runlet-core/internal/api"
	"github.com/nerrad567/runlet-core/internal/audit"
	"github.com/nerrad567/runlet-core/internal/history"
	"github.com/nerrad567/runlet-core/internal/infrastructure/config"
	"github.com/nerrad567/runlet-core/internal/infrastructure/database"
	"github.com/nerrad567/runlet-core/internal/infrastructure/logging"
	"github.com/nerrad567/runlet-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/runlet-core/internal/supervisor"
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
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
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
func run(ctx context.Context) error {
	// A shutdown can also be requested over MQTT, so wrap the signal
	// context in one more cancel layer.
	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Runlet",
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise the run journal, audit trail, and supervisor
	runRepo := history.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Runs still marked active belong to a previous daemon instance whose
	// shutdown never journalled their exit. Reconcile them before the
	// supervisor accepts launches so the API cannot report dead processes
	// as running.
	if err := reconcileStaleRuns(ctx, runRepo, log); err != nil {
		return fmt.Errorf("reconciling stale runs: %w", err)
	}
	sup := supervisor.New(supervisor.Options{
		KillGrace:         cfg.KillGrace(),
		MaxProcesses:      cfg.Process.MaxProcesses,
		OutputBufferBytes: cfg.Process.OutputBufferBytes,
	}, runRepo)
	sup.SetLogger(log)
	defer func() {
		// Runtime teardown must not orphan children: every live process
		// is destroyed and its exit journalled before the daemon stops.
		log.Info("stopping supervisor")
		stopCtx, cancel := context.WithTimeout(context.Background(), supervisorStopTimeout)
		defer cancel()
		if closeErr := sup.Close(stopCtx); closeErr != nil {
			log.Error("error stopping supervisor", "error", closeErr)
		}
	}()
	log.Info("supervisor initialised",
		"kill_grace", cfg.KillGrace(),
		"max_processes", cfg.Process.MaxProcesses,
	)

	// WebSocket hub, shared between the API server and the supervisor
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	notifiers := []supervisor.Notifier{hub}

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
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		if setupErr := setupMQTT(mqttClient, cfg, log, shutdown); setupErr != nil {
			return fmt.Errorf("setting up MQTT: %w", setupErr)
		}

		notifiers = append(notifiers, &mqttNotifier{
			client: mqttClient,
			qos:    byte(cfg.MQTT.QoS),
			log:    log,
		})
	} else {
		log.Info("MQTT disabled")
	}

	sup.SetNotifier(multiNotifier(notifiers))

	// Start the API server
	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Supervisor:  sup,
		History:     runRepo,
		Audit:       auditRepo,
		DB:          db,
		MQTT:        mqttClient,
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
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"auth", cfg.Security.Auth.Enabled,
	)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Announce the clean exit before the deferred MQTT disconnect. An
	// unclean exit leaves the LWT to flip the retained status instead.
	if mqttClient != nil {
		if pubErr := publishStatus(mqttClient, byte(cfg.MQTT.QoS), "offline"); pubErr != nil {
			log.Warn("failed to publish offline status", "error", pubErr)
		}
	}

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. MQTT (if enabled)
	// 3. Supervisor (destroys remaining processes)
	// 4. Database

	log.Info("Runlet stopped")
	return nil
}

// supervisorStopTimeout bounds how long shutdown waits for every child to die.
const supervisorStopTimeout = 30 * time.Second

// reconcileStaleRuns finalizes journal rows left in an active state by an
// unclean shutdown of a previous daemon instance.
func reconcileStaleRuns(ctx context.Context, repo history.Repository, log *logging.Logger) error {
	stale, err := repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active runs: %w", err)
	}

	now := time.Now().UTC()
	for _, run := range stale {
		if err := repo.MarkAbandoned(ctx, run.ID, now); err != nil {
			return fmt.Errorf("abandoning run %s: %w", run.ID, err)
		}
		log.Warn("abandoned run from previous instance",
			"id", run.ID,
			"name", run.Name,
			"state", run.State,
		)
	}
	if len(stale) > 0 {
		log.Info("stale runs reconciled", "count", len(stale))
	}

	return nil
}

// getConfigPath returns the configuration file path.
// Uses RUNLET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("RUNLET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// setupMQTT wires connection callbacks, publishes the retained online status,
// and subscribes to the remote shutdown topic.
func setupMQTT(client *mqtt.Client, cfg *config.Config, log *logging.Logger, shutdown context.CancelFunc) error {
	topics := mqtt.Topics{}
	qos := byte(cfg.MQTT.QoS)

	client.SetOnConnect(func() {
		log.Info("MQTT connected, publishing online status")
		if err := publishStatus(client, qos, "online"); err != nil {
			log.Warn("failed to publish online status", "error", err)
		}
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := publishStatus(client, qos, "online"); err != nil {
		return fmt.Errorf("publishing online status: %w", err)
	}

	// A retained shutdown message would kill the daemon on every boot,
	// so the handler only honours live publishes with non-empty payloads.
	return client.Subscribe(topics.SystemShutdown(), qos, func(_ string, payload []byte) error {
		if len(payload) == 0 {
			return nil
		}
		log.Info("shutdown requested over MQTT")
		shutdown()
		return nil
	})
}

// publishStatus publishes the retained daemon status.
func publishStatus(client *mqtt.Client, qos byte, status string) error {
	topics := mqtt.Topics{}
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	return client.Publish(topics.SystemStatus(), payload, qos, true)
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - apiServer: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, apiServer *api.Server) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT (if enabled)
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	// Check API server
	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

// mqttNotifier publishes supervisor events to the MQTT bus.
//
// Lifecycle snapshots are retained so late subscribers see the latest state
// of every process; output chunks are fire-and-forget.
type mqttNotifier struct {
	client *mqtt.Client
	topics mqtt.Topics
	qos    byte
	log    *logging.Logger
}

// ProcessState implements supervisor.Notifier.
func (n *mqttNotifier) ProcessState(snap supervisor.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		n.log.Error("failed to marshal process state", "id", snap.ID, "error", err)
		return
	}
	if err := n.client.Publish(n.topics.ProcessState(snap.ID), payload, n.qos, true); err != nil {
		n.log.Warn("failed to publish process state", "id", snap.ID, "error", err)
	}
}

// ProcessOutput implements supervisor.Notifier.
func (n *mqttNotifier) ProcessOutput(id string, chunk supervisor.Chunk) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		n.log.Error("failed to marshal process output", "id", id, "error", err)
		return
	}
	if err := n.client.Publish(n.topics.ProcessOutput(id), payload, n.qos, false); err != nil {
		n.log.Warn("failed to publish process output", "id", id, "error", err)
	}
}

// multiNotifier fans supervisor events out to every registered notifier.
type multiNotifier []supervisor.Notifier

// ProcessState implements supervisor.Notifier.
func (m multiNotifier) ProcessState(snap supervisor.Snapshot) {
	for _, n := range m {
		n.ProcessState(snap)
	}
}

// ProcessOutput implements supervisor.Notifier.
func (m multiNotifier) ProcessOutput(id string, chunk supervisor.Chunk) {
	for _, n := range m {
		n.ProcessOutput(id, chunk)
	}
}
