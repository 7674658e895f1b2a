package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"poseidon/internal/events"
	"poseidon/internal/handler"
	"poseidon/internal/ledger"
	"poseidon/internal/limits"
	"poseidon/internal/middleware"
	"poseidon/internal/provider"
	"poseidon/internal/reconciliation"
	"poseidon/internal/repository/memory"
	"poseidon/internal/repository/postgres"
	"poseidon/internal/transfer"
	"poseidon/internal/worker"
	"poseidon/pkg/config"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"
	"poseidon/pkg/validator"
)

func main() {
	cfg := config.Load()
	log := logger.NewFromConfig("ledger-service", cfg.Log)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting Ledger Service", map[string]interface{}{
		"port":     cfg.Server.Port,
		"store":    cfg.Store.Driver,
		"provider": cfg.Provider.Mode,
	})

	var store ledger.Store
	switch cfg.Store.Driver {
	case "memory":
		store = memory.NewLedgerStore(cfg.Store.MaxRetries)
		log.Warn("Using in-memory ledger store; balances are lost on restart", nil)
	default:
		db, err := sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		store = postgres.NewLedgerStore(db, cfg.Store.MaxRetries)
		log.Info("Database connected", nil)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Redis connected", nil)

	var collector metrics.Collector = metrics.NoOpCollector{}
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		pc := metrics.NewPrometheusCollector(cfg.Metrics.Namespace)
		if err := pc.Register(registry); err != nil {
			log.Fatal("Failed to register metrics", map[string]interface{}{"error": err.Error()})
		}
		collector = pc
	}

	var settlement provider.Provider
	switch cfg.Provider.Mode {
	case "simulated":
		settlement = provider.NewSimulated(200 * time.Millisecond)
		log.Warn("Using simulated settlement provider", nil)
	default:
		settlement = provider.NewHTTPClient(cfg.Provider, collector, log)
	}

	pool := worker.NewPool(worker.Config{
		Workers:     cfg.Worker.Workers,
		QueueSize:   cfg.Worker.QueueSize,
		TaskTimeout: cfg.Worker.TaskTimeout,
	}, collector, log)

	hub := events.NewHub(32, log)
	reconciler := reconciliation.NewService(store, hub, collector, log)
	gate := limits.NewPolicyGate(cfg.Limits, store)
	transfers := transfer.NewService(store, gate, settlement, reconciler, pool, hub, collector, log)

	val := validator.New()
	routes := handler.Routes{
		Transfers: handler.NewTransferHandler(transfers, val, log),
		Accounts:  handler.NewAccountHandler(transfers, log),
		Webhooks:  handler.NewWebhookHandler(reconciler, cfg.Webhook.Secret, cfg.Webhook.Headers, log),
		Stream:    handler.NewStreamHandler(hub, cfg.Server.CORSOrigins, log),
		System:    handler.NewSystemHandler(store, redisClient, log),
	}
	if cfg.Webhook.Secret == "" {
		log.Warn("WEBHOOK_SECRET not set; provider webhooks are accepted unauthenticated", nil)
	}

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.NewMetricsMiddleware(collector).Instrument)

	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	limiter := middleware.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow, log)
	idemMW := middleware.NewIdempotencyMiddleware(redisClient, cfg.Redis.IdempotencyTTL, log)
	routes.Register(r, authMW.Authenticate, limiter.Limit, idemMW.Require)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := reconciliation.NewSweeper(
		store, reconciler, settlement,
		reconciliation.NewRedisLocker(redisClient, reconciliation.SweepLockName, cfg.Reconcile.LockTTL),
		cfg.Reconcile, collector, log,
	)
	go sweeper.Start(sweepCtx, cfg.Reconcile.SweepInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Ledger service started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ledger service...", nil)
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Ledger service forced to shutdown", map[string]interface{}{"error": err.Error()})
	}
	// Reservations already journaled stay pending if the queue cannot drain; the sweep picks them up.
	if err := pool.Stop(ctx); err != nil {
		log.Error("Settlement queue did not drain", map[string]interface{}{
			"error":  err.Error(),
			"queued": pool.Stats().Queued,
		})
	}

	log.Info("Ledger service stopped gracefully", nil)
}
