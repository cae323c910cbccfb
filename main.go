package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dhtlogger/api"
	"dhtlogger/config"
	"dhtlogger/log"
	"dhtlogger/metrics"
	"dhtlogger/services"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.NeedsDatabase() {
		db, err = services.OpenDatabase(ctx, cfg.DatabaseURL, logger.Named("postgres"))
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := services.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("Failed to prepare database schema", zap.Error(err))
		}
	}

	// Measurement store
	var repo services.MeasurementRepository
	if cfg.StoreBackend == config.BackendPostgres {
		repo = services.NewPostgresMeasurementRepository(db)
	} else {
		logger.Warn("Using in-memory measurement store, data is lost on restart")
		repo = services.NewMemoryMeasurementRepository()
	}
	mirror, err := services.NewMirrorLog(cfg.MirrorLogPath)
	if err != nil {
		logger.Fatal("Failed to open mirror log", zap.Error(err))
	}
	store := services.NewMeasurementStore(repo, mirror, nil, logger.Named("store"))

	// Settings
	var kv services.KeyValueStore
	switch cfg.SettingsBackend {
	case config.BackendPostgres:
		kv = services.NewPostgresKeyValueStore(db)
	case config.BackendFirebase:
		fkv, err := services.NewFirebaseKeyValueStore(ctx, cfg, logger.Named("firebase"))
		if err != nil {
			logger.Fatal("Failed to initialize Firebase settings store", zap.Error(err))
		}
		kv = fkv
	default:
		logger.Warn("Using in-memory settings store, thresholds and toggles are lost on restart")
		kv = services.NewMemoryKeyValueStore()
	}
	settings := services.NewSettings(kv, cfg.AutomationDefaultEnabled)

	// Home automation forwarding
	var forwarder services.Forwarder
	if cfg.HomeAssistantURL != "" {
		forwarder = services.NewHomeAssistantForwarder(cfg, logger.Named("home_assistant"))
		logger.Info("Home assistant forwarder initialized", zap.String("url", cfg.HomeAssistantURL))
	}
	automation := services.NewAutomationController(settings, store, forwarder, logger.Named("automation"))

	// Notification channels
	var channels []services.Channel
	if cfg.SMTPHost != "" && cfg.MailUsername != "" {
		sources := []services.RecipientSource{services.StaticRecipients(cfg.MailRecipients)}
		if cfg.MailRecipientsQuery != "" {
			sources = append(sources, services.NewPostgresRecipientSource(db, cfg.MailRecipientsQuery))
		}
		channels = append(channels, services.NewMailChannel(cfg, sources, logger.Named("mail")))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegram, err := services.NewTelegramChannel(cfg, logger.Named("telegram"))
		if err != nil {
			logger.Error("Telegram channel disabled", zap.Error(err))
		} else {
			channels = append(channels, telegram)
			if err := telegram.SendStartupMessage(); err != nil {
				logger.Warn("Failed to send startup message", zap.Error(err))
			}
		}
	}
	if len(channels) == 0 {
		logger.Warn("No notification channel configured, alerts will not be delivered")
	}
	dispatcher, err := services.NewDispatcher(channels, cfg.LogoURL, cfg.AlertDebounceWindow, logger.Named("dispatcher"))
	if err != nil {
		logger.Fatal("Failed to initialize notification dispatcher", zap.Error(err))
	}
	monitor := services.NewAlertMonitor(cfg, settings, store, dispatcher, nil, logger.Named("alert_monitor"))

	// Ingestion
	ingest := services.NewIngestService(services.NewWireParser(cfg.MaxMessageBytes), store, automation, logger.Named("ingest"))
	hub := api.NewHub(logger.Named("ws"))
	ingest.AddObserver(hub)

	var writers []*services.BatchWriter
	if cfg.RabbitMQURL != "" {
		publisher, err := services.NewRabbitMQPublisher(cfg, logger.Named("rabbitmq"))
		if err != nil {
			logger.Error("RabbitMQ export disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			writers = append(writers, services.NewBatchWriter(cfg, publisher, logger.Named("batch_writer")))
		}
	}
	if cfg.InfluxURL != "" {
		influx, err := services.NewInfluxSink(cfg, logger.Named("influx"))
		if err != nil {
			logger.Error("InfluxDB export disabled", zap.Error(err))
		} else {
			defer influx.Close()
			writers = append(writers, services.NewBatchWriter(cfg, influx, logger.Named("batch_writer")))
		}
	}
	for _, w := range writers {
		ingest.AddObserver(w)
	}

	listener := services.NewListener(cfg, ingest, logger.Named("listener"))
	retention := services.NewRetentionManager(cfg, mirror, nil, logger.Named("retention"))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(api.NewHandler(store, ingest, monitor, settings, automation, hub, logger.Named("http"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("DHT logger started",
		zap.String("listen_addr", cfg.ListenAddr()),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("settings_backend", cfg.SettingsBackend),
		zap.Int("notification_channels", len(channels)),
		zap.Int("event_sinks", len(writers)))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return listener.Start(gctx) })
	g.Go(func() error { monitor.Start(gctx); return nil })
	g.Go(func() error { retention.StartSnapshots(gctx); return nil })
	g.Go(func() error { retention.StartExpiry(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	for _, w := range writers {
		w := w
		g.Go(func() error { w.Start(gctx); return nil })
	}
	if cfg.MQTTBroker != "" {
		source := services.NewMQTTSource(cfg, ingest, logger.Named("mqtt"))
		g.Go(func() error {
			if err := source.Start(gctx); err != nil {
				// The TCP listener still serves devices.
				logger.Error("MQTT source stopped", zap.Error(err))
			}
			return nil
		})
	}
	if cfg.ReconcileInterval > 0 {
		reconciler := services.NewReconciler(repo, mirror, cfg.ReconcileGrace, nil, logger.Named("reconcile"))
		g.Go(func() error { reconciler.Start(gctx, cfg.ReconcileInterval); return nil })
	}
	g.Go(func() error {
		logger.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("DHT logger stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("DHT logger stopped")
}
