package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/smartprice/price-watcher/internal/config"
	"github.com/smartprice/price-watcher/internal/detector"
	"github.com/smartprice/price-watcher/internal/dispatch"
	"github.com/smartprice/price-watcher/internal/governor"
	"github.com/smartprice/price-watcher/internal/monitor"
	"github.com/smartprice/price-watcher/internal/notify"
	"github.com/smartprice/price-watcher/internal/scheduler"
	"github.com/smartprice/price-watcher/internal/scrape"
	"github.com/smartprice/price-watcher/internal/storage"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting Price Watcher")

	// Initialize storage
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer closeStore()

	// Initialize site adapters
	adapters := scrape.NewRegistry()
	registerAdapters(adapters, cfg)

	// Initialize notification channels
	dispatcher := dispatch.New(dispatch.Options{
		Workers:       cfg.DispatchWorkers,
		QueueSize:     cfg.DispatchQueueSize,
		AlertCooldown: cfg.AlertCooldown,
		MaxRetries:    cfg.ChannelMaxRetries,
		RetryBackoff:  cfg.ChannelRetryBackoff,
		SendTimeout:   cfg.WebhookTimeout,
	}, store, store, store)
	registerChannels(dispatcher, cfg)

	// Initialize scheduling and admission control
	sched := scheduler.New(scheduler.Options{
		BaseBackoff:            cfg.BaseBackoff,
		MaxBackoff:             cfg.MaxBackoff,
		MaxFailureStreak:       cfg.MaxFailureStreak,
		DegradedIntervalFactor: cfg.DegradedIntervalFactor,
	})
	gov := governor.New(cfg.GlobalConcurrencyCap,
		governor.SiteRate{Tokens: cfg.PerSiteRateTokens, RefillInterval: cfg.PerSiteRefillInterval},
		cfg.AdmitTimeout)
	det := detector.New(cfg.MinSignificantDeltaPct, cfg.MinSignificantDeltaAbs)

	// Optional cold-storage archiver
	var archiver monitor.Archiver
	if cfg.StorageAccount != "" {
		blobArchiver, err := storage.NewBlobArchiver(cfg.StorageAccount, cfg.StorageContainer, store, store)
		if err != nil {
			logrus.Fatalf("Failed to initialize blob archiver: %v", err)
		}
		archiver = blobArchiver
	}

	// Initialize and start the monitor
	service := monitor.NewService(cfg, sched, gov, adapters, det, dispatcher, store, store, archiver)
	if err := service.Start(); err != nil {
		logrus.Fatalf("Failed to start monitor: %v", err)
	}
	defer service.Stop()

	// Set up HTTP server for health checks and manual triggers
	router := mux.NewRouter()

	// Health check endpoint
	router.HandleFunc("/health", healthCheckHandler).Methods("GET")

	// Metrics endpoint
	router.HandleFunc("/metrics", metricsHandler(service)).Methods("GET")

	// Manual trigger endpoints
	router.HandleFunc("/refresh", refreshHandler(service)).Methods("POST")
	router.HandleFunc("/trigger/{target}", triggerHandler(service)).Methods("POST")

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

// watcherStore is the storage surface the pipeline needs from one backend.
type watcherStore interface {
	storage.HistoryStore
	storage.AlertStore
	storage.TargetRegistry
	storage.OwnerDirectory
}

func buildStore(cfg *config.Config) (watcherStore, func(), error) {
	if cfg.SQLitePath != "" {
		store, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logrus.Infof("Using SQLite storage at %s", cfg.SQLitePath)
		return store, func() { store.Close() }, nil
	}
	logrus.Warn("SQLITE_PATH not set, using in-memory storage (data is lost on restart)")
	return storage.NewMemoryStore(), func() {}, nil
}

// registerAdapters binds site identifiers to adapter implementations. The
// static adapter doubles as the default for plain-HTML storefronts; heavily
// scripted sites go through the headless adapter.
func registerAdapters(adapters *scrape.Registry, cfg *config.Config) {
	static := scrape.NewStaticAdapter("static-html", cfg.JobTimeout)
	adapters.Register("shopsite", static)
	adapters.Register("bookstore", static)
	adapters.Register("electronics-api", scrape.NewJSONAdapter("json-api", cfg.JobTimeout))
	adapters.Register("megastore", scrape.NewHeadlessAdapter("headless"))
	logrus.Infof("Registered adapters for sites: %v", adapters.Sites())
}

func registerChannels(dispatcher *dispatch.Dispatcher, cfg *config.Config) {
	if cfg.SMTPHost != "" {
		dispatcher.RegisterChannel(notify.NewEmailChannel(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword))
		logrus.Info("Email channel registered")
	}

	dispatcher.RegisterChannel(notify.NewWebhookChannel(cfg.WebhookTimeout))
	logrus.Info("Webhook channel registered")

	if cfg.TelegramBotToken != "" {
		telegram, err := notify.NewTelegramChannel(cfg.TelegramBotToken)
		if err != nil {
			logrus.Errorf("Telegram channel unavailable: %v", err)
		} else {
			dispatcher.RegisterChannel(telegram)
			logrus.Info("Telegram channel registered")
		}
	}
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func metricsHandler(service *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics := service.GetMetrics()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(metrics))
	}
}

func refreshHandler(service *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := service.RefreshTargets(r.Context()); err != nil {
			logrus.Errorf("Manual registry refresh failed: %v", err)
			http.Error(w, `{"error":"refresh failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message":"Registry refreshed"}`))
	}
}

func triggerHandler(service *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID := mux.Vars(r)["target"]
		if err := service.TriggerScrape(r.Context(), targetID); err != nil {
			logrus.Errorf("Manual scrape trigger failed: %v", err)
			http.Error(w, `{"error":"unknown target"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message":"Scrape triggered"}`))
	}
}
