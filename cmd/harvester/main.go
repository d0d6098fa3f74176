package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"oai_harvester/internal/config"
	"oai_harvester/internal/crosswalk"
	"oai_harvester/internal/harvest"
	"oai_harvester/internal/metrics"
	"oai_harvester/internal/oaipmh"
	"oai_harvester/internal/publisher"
	"oai_harvester/internal/scheduler"
	"oai_harvester/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Setup logger
	logger := setupLogger("info")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize RabbitMQ publisher
	rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
		URL:              cfg.RabbitMQ.URL,
		Exchange:         cfg.RabbitMQ.Exchange,
		EventsRoutingKey: cfg.RabbitMQ.EventsRoutingKey,
		EventsQueue:      cfg.RabbitMQ.EventsQueue,
		AlertsRoutingKey: cfg.RabbitMQ.AlertsRoutingKey,
		AlertsQueue:      cfg.RabbitMQ.AlertsQueue,
		AlertRecipient:   cfg.Harvest.AlertRecipient,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbitMQ.Close()

	// Initialize stores
	unitStore := postgres.NewHarvestUnitStore(db)
	linkStore := postgres.NewRecordLinkStore(db)
	itemStore := postgres.NewItemStore(db)
	txManager := postgres.NewTransactionManager(db)

	// Initialize OAI-PMH client
	client := oaipmh.New(oaipmh.Config{
		Timeout:        cfg.OAI.Timeout,
		MaxAttempts:    cfg.OAI.Retry.MaxAttempts,
		InitialBackoff: cfg.OAI.Retry.InitialBackoff,
		MaxBackoff:     cfg.OAI.Retry.MaxBackoff,
		UserAgent:      cfg.OAI.UserAgent,
	}, logger)

	// Register crosswalks: every configured descriptive format maps to the
	// Dublin Core ingestor, the structural format key to ORE.
	crosswalks := crosswalk.NewRegistry()
	for format := range cfg.Harvest.MetadataFormats {
		crosswalks.Register(format, crosswalk.NewDublinCore())
	}
	crosswalks.Register(cfg.Harvest.OREFormatKey, crosswalk.NewORE())

	cycle := harvest.NewCycle(
		client,
		unitStore,
		linkStore,
		itemStore,
		crosswalks,
		txManager,
		rabbitMQ,
		rabbitMQ,
		logger,
		cfg.Harvest,
	)

	sched := scheduler.New(unitStore, cycle, cfg.Harvest, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("starting oai harvester",
		"interval", cfg.Harvest.Interval,
		"max_workers", cfg.Harvest.MaxWorkers,
	)
	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	sched.Stop()
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
