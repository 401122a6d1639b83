package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/greenbasket/checkout/internal/api"
	"github.com/greenbasket/checkout/internal/broker"
	"github.com/greenbasket/checkout/internal/cache"
	"github.com/greenbasket/checkout/internal/config"
	"github.com/greenbasket/checkout/internal/ledger"
	"github.com/greenbasket/checkout/internal/metrics"
	"github.com/greenbasket/checkout/internal/offline"
	"github.com/greenbasket/checkout/internal/publisher"
	"github.com/greenbasket/checkout/internal/repository"
	"github.com/greenbasket/checkout/internal/service"
	"github.com/greenbasket/checkout/internal/session"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	logger.Info("checkout coordinator starting", slog.String("env", cfg.Env))

	metrics.Register()

	caps := ledger.Caps{
		MaxDiscount:         decimal.RequireFromString(cfg.Policy.WeeklyDiscount),
		MaxEligiblePurchase: decimal.RequireFromString(cfg.Policy.WeeklyPurchase),
	}
	policy := session.DiscountPolicy{
		Rate: decimal.RequireFromString(cfg.Policy.DiscountRate),
		Caps: caps,
	}

	loc, err := time.LoadLocation(cfg.Policy.StoreTimezone)
	if err != nil {
		log.Fatalf("Invalid STORE_TIMEZONE: %v", err)
	}
	storeNow := func() time.Time { return time.Now().In(loc) }

	// Database setup
	creds := &repository.Credentials{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.User,
		Password:          cfg.Postgres.Password,
		DBName:            cfg.Postgres.Database,
		MigrationsDirPath: cfg.Postgres.MigrationsPath,
	}

	repo, err := repository.NewRepository(creds, caps)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	repo = repo.WithLocation(loc)
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("database migrations completed")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	usageCache := cache.NewRedisUsageCache(redisClient, cfg.Policy.UsageCacheTTL, cfg.Policy.UsageCacheJitter)

	machine := session.NewMachine(repo, policy).WithClock(storeNow)
	registry := session.NewRegistry(machine, cfg.Session.IdleTTL, cfg.Session.Retention, cfg.Session.SweepInterval, logger)
	defer registry.Close()

	b := broker.New(cfg.Session.GracePeriod, logger)

	coordinator := service.NewCoordinator(
		registry,
		machine,
		b,
		repo,
		policy,
		usageCache,
		repo,
		repo,
		logger,
	).WithClock(storeNow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := publisher.NewOutboxPoller(repo, cfg.Kafka.Topic, logger, cfg.Kafka.Brokers...)
	defer poller.Close()
	go poller.Run(ctx)

	reconciler := offline.NewReconciler(repo, repo, cfg.Offline.ReconcileInterval, offline.RetryConfig{
		Attempts: cfg.Offline.RetryAttempts,
		Delay:    cfg.Offline.RetryDelay,
		MaxDelay: cfg.Offline.RetryMaxDelay,
	}, logger).WithBatchSize(cfg.Offline.BatchSize)
	go reconciler.Run(ctx)

	handler := api.NewCheckoutHandler(coordinator, cfg.HTTP.ReadTimeout)
	router := api.NewRouter(handler, cfg.HTTP.ReadTimeout)

	srv := &http.Server{
		Addr:        ":" + cfg.HTTP.Port,
		Handler:     router,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", slog.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	logger.Info("coordinator stopped")
}
