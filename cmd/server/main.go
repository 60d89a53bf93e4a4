package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gameshop-ledger/internal/config"
	"github.com/gameshop-ledger/internal/domain"
	"github.com/gameshop-ledger/internal/handler"
	"github.com/gameshop-ledger/internal/kafka"
	"github.com/gameshop-ledger/internal/postgres"
	"github.com/gameshop-ledger/internal/reconciler"
	"github.com/gameshop-ledger/internal/redis"
	"github.com/gameshop-ledger/internal/shop"
	"github.com/gameshop-ledger/internal/stats"
	"github.com/gameshop-ledger/internal/websocket"
	"github.com/joho/godotenv"
)

// defaultUsers returns the demo accounts seeded into an empty users table.
// The id range matches what cmd/game-producer draws from.
func defaultUsers() []domain.User {
	users := make([]domain.User, 0, 100)
	for i := 1; i <= 100; i++ {
		users = append(users, domain.User{
			ID:          int64(i),
			Username:    fmt.Sprintf("player%d", i),
			GoldBalance: 10000,
		})
	}
	return users
}

// defaultCatalog returns the products seeded into an empty catalog
func defaultCatalog() []domain.Product {
	return []domain.Product{
		{ProductID: "gold_pack_small", Name: "Small Gold Pack", Description: "1,000 gold", Price: 1000, Category: domain.CategoryConversion, GoldOut: 1000, IsActive: true},
		{ProductID: "gold_pack_medium", Name: "Medium Gold Pack", Description: "5,500 gold", Price: 5000, Category: domain.CategoryConversion, GoldOut: 5500, IsActive: true},
		{ProductID: "gold_pack_large", Name: "Large Gold Pack", Description: "12,000 gold", Price: 10000, Category: domain.CategoryConversion, GoldOut: 12000, IsActive: true},
		{ProductID: "daily_booster", Name: "Daily Booster", Description: "Doubles win payouts for a day", Price: 800, Category: domain.CategoryItem, IsActive: true},
		{ProductID: "gacha_ticket", Name: "Gacha Ticket", Description: "One gacha spin", Price: 500, Category: domain.CategoryItem, IsActive: true},
	}
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load .env if present so config expansion can see local overrides
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	cache, err := redis.NewCache(&cfg.Redis, cfg.Stats.CacheTTL, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer cache.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations, then consolidate legacy constraints
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if err := repo.ConsolidateConstraints(ctx); err != nil {
		logger.Error("failed to consolidate constraints", "error", err)
		os.Exit(1)
	}

	// Seed the product catalog and demo accounts
	if err := repo.SeedProducts(ctx, defaultCatalog()); err != nil {
		logger.Warn("failed to seed product catalog", "error", err)
	}
	if err := repo.SeedUsers(ctx, defaultUsers()); err != nil {
		logger.Warn("failed to seed demo users", "error", err)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize services
	shopService := shop.NewService(repo, cache, &cfg.Shop, logger)
	shopService.SetNotifier(wsHub)

	statsService := stats.NewService(repo, cache, logger)
	statsService.SetNotifier(wsHub)

	// Initialize drift reconciler
	driftReconciler := reconciler.New(repo, cache, &cfg.Reconciler, logger)

	// Repair any drift left over from a previous run
	logger.Info("running startup drift sweep")
	driftReconciler.RunOnce(ctx)

	// Start periodic sweeps
	if cfg.Reconciler.Enabled {
		if err := driftReconciler.Start(ctx); err != nil {
			logger.Error("failed to start drift reconciler", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for game-result ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, statsService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(shopService, statsService, wsHub, cfg.Auth.JWTSecret, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop drift reconciler
	if cfg.Reconciler.Enabled {
		if err := driftReconciler.Stop(); err != nil {
			logger.Error("failed to stop drift reconciler", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
