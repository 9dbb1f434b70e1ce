package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"payrecon/internal/common/database"
	"payrecon/internal/common/middleware"
	natsclient "payrecon/internal/common/nats"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
	"payrecon/internal/reconcile"
	reconcileapi "payrecon/internal/reconcile/api"
	"payrecon/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// PricesIncludeTax mirrors the platform's price display setting and
	// drives refund unit price derivation.
	PricesIncludeTax bool `envconfig:"PRICES_INCLUDE_TAX" default:"false"`

	Database database.Config
	Gateway  gateway.Config
	NATS     natsclient.Config
	Queue    webhook.QueueConfig
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database and run migrations
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	// Wire services
	store := orders.NewPostgresStore(db.Pool())
	credits := orders.NewPostgresCreditStore(db.Pool())
	client := gateway.NewHTTPClient(cfg.Gateway, logger)

	lifecycle := orders.NewLifecycle(store, logger)
	ledger := reconcile.NewLedger(store)
	processor := reconcile.NewProcessor(store, ledger, client, lifecycle, logger)
	capturer := reconcile.NewCapturer(store, client, processor, ledger, logger)
	canceler := reconcile.NewCanceler(store, client, processor, logger)
	refunder := reconcile.NewRefunder(store, client, processor, ledger, credits, cfg.PricesIncludeTax, logger)

	// Orders that reach a paid status get captured automatically; a
	// cancellation releases the remaining authorization. Transitions
	// caused by the engine itself arrive with reactions suppressed.
	lifecycle.SetObserver(func(obsCtx context.Context, order *orders.Order, from, to orders.Status) {
		switch to {
		case orders.StatusCompleted:
			if _, err := capturer.Capture(obsCtx, order.ID, nil); err != nil {
				logger.Error("automatic capture failed",
					"order_id", order.ID, "error", err)
			}
		case orders.StatusCancelled:
			if _, err := canceler.Cancel(obsCtx, order.ID); err != nil {
				logger.Error("automatic cancellation failed",
					"order_id", order.ID, "error", err)
			}
		}
	})

	// Reconciliation queue
	queueStore := webhook.NewPostgresStore(db.Pool())
	queue := webhook.NewQueue(cfg.Queue, queueStore, nc, processor, ledger, logger)
	if err := queue.Start(ctx); err != nil {
		logger.Error("failed to start reconciliation queue", "error", err)
		os.Exit(1)
	}
	defer queue.Stop()

	ingestor := webhook.NewIngestor(store, queue, cfg.Queue.ProcessDelay, logger)
	webhookHandler := webhook.NewHandler(ingestor, logger)
	adminHandler := reconcileapi.NewHandler(store, client, capturer, canceler, refunder, ledger, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/webhook", func(r chi.Router) {
		r.Mount("/", webhookHandler.Routes())
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", adminHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
