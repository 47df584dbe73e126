package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paywall/internal/config"
	"paywall/internal/handler"
	"paywall/internal/observability"
	"paywall/internal/payment"
	"paywall/internal/service"
	"paywall/internal/store"
)

type application struct {
	config       *config.Config
	logger       *log.Logger
	store        store.ContentStore
	redisStore   *store.RedisStore
	purchases    *service.PurchaseService
	server       *http.Server
	shutdownChan chan struct{}
	sweeperDone  chan struct{}
}

func main() {
	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.StripeSecretKey == "" {
		logger.Println("Warning: STRIPE_SECRET_KEY is not set, purchases will fail at the payment processor")
	}
	if cfg.StripeWebhookSecret == "" {
		logger.Println("Warning: STRIPE_WEBHOOK_SECRET is not set, payment notifications will be rejected")
	}

	contentStore, err := store.Open(store.OpenOptions{
		Driver:        cfg.StoreDriver,
		DataSourceURL: cfg.DBDataSourceName,
		MigrationsDir: cfg.MigrationsDir,
		BoltPath:      cfg.BoltPath,
	})
	if err != nil {
		logger.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}

	// The ledger and limiter are optional; nil interfaces keep them off.
	var redisStore *store.RedisStore
	var ledger service.EventLedger
	var limiter handler.RateLimiter
	if cfg.RedisEnabled {
		redisClient, err := store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		redisStore = store.NewRedisStore(redisClient)
		ledger = redisStore
		limiter = redisStore
	} else {
		logger.Println("Redis disabled: webhook event ledger and purchase rate limiting are off")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	processor := payment.NewStripeProcessor(cfg.StripeSecretKey)
	entitlements := service.NewEntitlementEvaluator(contentStore, metrics)
	purchases := service.NewPurchaseService(logger, contentStore, processor, cfg, metrics)
	webhooks := service.NewWebhookService(logger, contentStore, processor, ledger, cfg, metrics)
	gate := service.NewAccessGate(logger, contentStore, entitlements, cfg)

	app := &application{
		config:       cfg,
		logger:       logger,
		store:        contentStore,
		redisStore:   redisStore,
		purchases:    purchases,
		shutdownChan: make(chan struct{}),
		sweeperDone:  make(chan struct{}),
	}

	if cfg.PendingSweepInterval > 0 {
		go app.runPendingSweeper()
	} else {
		close(app.sweeperDone)
	}

	router := gin.New()
	router.Use(gin.LoggerWithWriter(logger.Writer()), gin.Recovery())
	handler.SetupRoutes(router, logger, cfg, &handler.Handlers{
		Purchases: handler.NewPurchaseHandler(logger, purchases),
		Chapters:  handler.NewChapterHandler(logger, gate),
		Webhooks:  handler.NewWebhookHandler(logger, webhooks),
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, limiter)

	app.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      router,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     logger,
	}

	app.serve()
}

func (app *application) serve() {
	app.logger.Printf("Starting server on %s (store: %s)", app.server.Addr, app.config.StoreDriver)

	errChan := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		app.logger.Printf("Server error: %v", err)
	case sig := <-quit:
		app.logger.Printf("Received signal %s. Shutting down server...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(app.shutdownChan)
	select {
	case <-app.sweeperDone:
	case <-time.After(10 * time.Second):
		app.logger.Println("Pending sweeper did not stop in time.")
	}

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Printf("Graceful server shutdown failed: %v", err)
	} else {
		app.logger.Println("Server gracefully stopped.")
	}

	app.closeStores()
	app.logger.Println("Application shut down complete.")
}

// closeStores runs once no request or sweep can reach the stores any more.
func (app *application) closeStores() {
	if app.redisStore != nil {
		if err := app.redisStore.Close(); err != nil {
			app.logger.Printf("Error closing Redis client: %v", err)
		}
	}
	if err := app.store.Close(); err != nil {
		app.logger.Printf("Error closing store: %v", err)
	}
}

// runPendingSweeper periodically deletes pending purchases that were never
// completed. Initiation already replaces stale rows lazily; this only keeps
// abandoned ones from piling up.
func (app *application) runPendingSweeper() {
	defer close(app.sweeperDone)

	ticker := time.NewTicker(app.config.PendingSweepInterval)
	defer ticker.Stop()

	app.logger.Printf("Pending sweeper started. Will run every %s, removing pending purchases older than %s.",
		app.config.PendingSweepInterval, app.config.PendingMaxAge)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := app.purchases.SweepStalePending(ctx, app.config.PendingMaxAge); err != nil {
				app.logger.Printf("Sweeper: %v", err)
			}
			cancel()
		case <-app.shutdownChan:
			app.logger.Println("Sweeper: Received shutdown signal. Stopping...")
			return
		}
	}
}
