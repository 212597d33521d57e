/**
 * @description
 * Main entry point of the corebanking service. It loads configuration and the product
 * catalog, opens the store (PostgreSQL or in-memory), wires the engine components, the
 * outbox dispatcher and the loyalty consumer, then serves the HTTP API until SIGINT or
 * SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: .env loading for local development.
 * - github.com/jackc/pgx/v5: PostgreSQL pool.
 * - github.com/redis/go-redis/v9: rate cache and credit application limiter.
 * - pkg/rabbitmq: event publishing and consumption.
 */

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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/api"
	"github.com/serenityneo/corebanking-service/internal/app"
	"github.com/serenityneo/corebanking-service/internal/config"
	"github.com/serenityneo/corebanking-service/internal/store"
	"github.com/serenityneo/corebanking-service/pkg/rabbitmq"
)

// initialLocalPerUSD seeds the in-memory store; migrations seed the same value.
const initialLocalPerUSD = 2800

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		logger.Error("jwt secret must be configured", "env", "JWT_SECRET")
		os.Exit(1)
	}

	catalog, err := config.LoadProducts(cfg.ProductsFile)
	if err != nil {
		logger.Warn("product catalog unavailable; using built-in products", "path", cfg.ProductsFile, "error", err)
		catalog = config.DefaultCatalog()
	}

	logger.Info("starting corebanking-service", "port", cfg.ServerPort, "store", cfg.StoreDriver, "products", len(catalog.List()))

	ctx := context.Background()

	var st store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		st = store.NewMemoryStore(decimal.NewFromInt(initialLocalPerUSD))
	default:
		if cfg.RunMigrations {
			if err := store.Migrate(cfg.DatabaseURL, logger); err != nil {
				logger.Error("database migration failed", "error", err)
				os.Exit(1)
			}
		}
		pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected", "isolation", cfg.DBIsolation)
		st = store.NewPostgresStore(pool, cfg.DBIsolation)
	}

	redisClient := connectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var rateCache app.RateCache
	if redisClient != nil {
		rateCache = app.NewRedisRateCache(redisClient, cfg.RedisKeyPrefix, cfg.RateCacheTTL())
	}
	currency := app.NewCurrencyConverter(st, rateCache, logger)
	ledger := app.NewAccountLedger(st, logger)
	evaluator := app.NewEligibilityEvaluator(st, catalog)
	credits := app.NewCreditLifecycleEngine(st, catalog, ledger, evaluator, logger)
	if redisClient != nil && cfg.CreditApplyLimitPerHour > 0 {
		credits.WithApplyLimiter(app.NewRedisApplyLimiter(redisClient, cfg.RedisKeyPrefix, cfg.CreditApplyLimitPerHour, time.Hour))
	}
	allocation := app.NewAllocationBufferManager(st, catalog, ledger, logger)
	approvals := app.NewApprovalWorkflow(st, cfg.ApprovalTTL(), logger)
	app.RegisterDefaultAppliers(approvals, ledger, credits)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	dispatcher := app.NewOutboxDispatcher(st, func() (rabbitmq.Publisher, error) {
		if cfg.RabbitMQURL == "" {
			return &rabbitmq.EventProducerFallback{Logger: logger}, nil
		}
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}, cfg.OutboxPollInterval(), logger)
	go dispatcher.Run(dispatchCtx)

	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; loyalty consumer disabled", "env", "RABBITMQ_URL")
	} else {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Error("rabbitmq consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		loyalty := app.NewLoyaltyPointsHandler(st, cfg.LoyaltyPointsPerCredit, logger)
		if err := consumer.Subscribe(dispatchCtx, loyalty.Subscription(cfg.LoyaltyQueue)); err != nil {
			logger.Error("loyalty consumer start failed", "error", err)
			os.Exit(1)
		}
	}

	handler := api.NewHandler(api.Services{
		Currency:    currency,
		Ledger:      ledger,
		Eligibility: evaluator,
		Credits:     credits,
		Allocation:  allocation,
		Approvals:   approvals,
	}, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	stopDispatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// connectRedis returns nil when Redis is not configured or unreachable. The service then
// reads rates from the store and skips the application limit.
func connectRedis(redisURL string, logger *slog.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; rate cache and apply limit disabled", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; rate cache and apply limit disabled", "error", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate cache and apply limit disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
