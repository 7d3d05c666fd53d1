package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-hub/internal/audit"
	"github.com/benmeehan/iot-hub/internal/bus"
	"github.com/benmeehan/iot-hub/internal/config"
	"github.com/benmeehan/iot-hub/internal/metrics"
	"github.com/benmeehan/iot-hub/internal/registry"
	"github.com/benmeehan/iot-hub/internal/reporting"
	"github.com/benmeehan/iot-hub/internal/session"
	"github.com/benmeehan/iot-hub/internal/store"
	"github.com/benmeehan/iot-hub/pkg/blob"
	"github.com/benmeehan/iot-hub/pkg/file"
	"github.com/benmeehan/iot-hub/pkg/mqtt"
)

func main() {
	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load configuration from file
	fileClient := file.NewFileService()
	cfg, err := config.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Generate a unique MQTT client ID by appending a UUID
	cfg.MQTT.ClientID = cfg.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", cfg.MQTT.ClientID).Msg("Using MQTT client ID")

	// Initialize the shared MQTT connection
	mqttClient := mqtt.NewMqttService(fileClient)
	err = mqttClient.Initialize(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.CACertificate, cfg.MQTT.Username, cfg.MQTT.Password)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
	}

	// Error tracking
	var reporter reporting.Reporter = reporting.Nop{}
	if cfg.Sentry.DSN != "" {
		sentryReporter, err := reporting.NewSentry(cfg.Sentry.DSN, cfg.Sentry.Environment)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize error tracking")
		}
		defer sentryReporter.Close()
		reporter = sentryReporter
	}

	// Event bus: NATS when configured, in-process otherwise
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATS(cfg.NATS.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		eventBus = natsBus
	} else {
		logger.Warn().Msg("No NATS URL configured, using in-process bus")
		eventBus = bus.NewInproc()
	}
	defer eventBus.Close()

	// Artifact URL resolution
	var blobResolver blob.Resolver
	switch {
	case cfg.Storage.Endpoint != "":
		objectStorage, err := blob.NewObjectStorage(cfg.Storage.Endpoint, cfg.Storage.AccessKey,
			cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to object storage")
		}
		blobResolver = objectStorage
	case cfg.Storage.BaseURL != "":
		blobResolver = blob.Static{BaseURL: cfg.Storage.BaseURL}
	default:
		logger.Fatal().Msg("No artifact storage configured")
	}

	// Fleet state
	memory := store.NewMemory()
	if cfg.Storage.SeedFile != "" {
		raw, err := fileClient.ReadFileRaw(cfg.Storage.SeedFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to read fleet snapshot")
		}
		seed, err := memory.LoadSeed(raw)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load fleet snapshot")
		}
		logger.Info().
			Int("devices", len(seed.Devices)).
			Int("deployments", len(seed.Deployments)).
			Int("firmwares", len(seed.Firmwares)).
			Msg("Fleet snapshot loaded")
	}
	stores := memory.Stores()

	deps := session.Deps{
		Stores:   stores,
		Registry: registry.New(logger),
		Bus:      eventBus,
		Audit:    audit.NewLogger(logger),
		Reporter: reporter,
		Blob:     blobResolver,
		Logger:   logger,
	}
	sessCfg := session.Config{
		TopicPrefix:           cfg.MQTT.TopicPrefix,
		QOS:                   byte(cfg.MQTT.QOS),
		MailboxSize:           cfg.Sessions.MailboxSize,
		RegistrationAttempts:  cfg.Sessions.RegistrationAttempts,
		RegistrationDelay:     cfg.Sessions.RegistrationDelay,
		ReassignmentJitterMax: cfg.Sessions.ReassignmentJitterMax,
		PenaltySlack:          cfg.Sessions.PenaltySlack,
		ScriptTimeout:         cfg.Sessions.ScriptTimeout,
		HealthInterval:        cfg.Sessions.HealthInterval,
	}

	manager := session.NewManager(sessCfg, deps, mqttClient)
	if err := manager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start session manager")
	}

	var retention *metrics.RetentionService
	if cfg.Metrics.Retention > 0 {
		retention = metrics.NewRetentionService(cfg.Metrics.Retention, cfg.Metrics.SweepInterval, stores.Metrics, logger)
		if err := retention.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start metrics retention")
		}
	}

	// Prometheus scrape endpoint
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.Metrics.ListenAddr, nil); err != nil {
			logger.Error().Err(err).Msg("Telemetry listener failed")
		}
	}()

	logger.Info().Msg("Hub started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := manager.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop session manager")
	}
	if retention != nil {
		if err := retention.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop metrics retention")
		}
	}
	mqttClient.Disconnect(250)
}
