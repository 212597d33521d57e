/**
 * @description
 * Entry point of the corebanking scheduler. A non-HTTP process that expires stale
 * approval requests and marks overdue credits on cron schedules against the shared
 * PostgreSQL database.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/serenityneo/corebanking-service/internal/app"
	"github.com/serenityneo/corebanking-service/internal/config"
	"github.com/serenityneo/corebanking-service/internal/store"
)

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
	if cfg.StoreDriver != config.StoreDriverPostgres {
		logger.Error("scheduler requires the postgres store", "store", cfg.StoreDriver)
		os.Exit(1)
	}

	systemActorID := uuid.Nil
	if cfg.SystemActorID != "" {
		if systemActorID, err = uuid.Parse(cfg.SystemActorID); err != nil {
			logger.Error("invalid system actor id", "env", "SYSTEM_ACTOR_ID", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("system actor id not configured; overdue transitions are recorded without an actor", "env", "SYSTEM_ACTOR_ID")
	}

	catalog, err := config.LoadProducts(cfg.ProductsFile)
	if err != nil {
		logger.Warn("product catalog unavailable; using built-in products", "path", cfg.ProductsFile, "error", err)
		catalog = config.DefaultCatalog()
	}

	ctx := context.Background()
	dbpool, err := store.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	st := store.NewPostgresStore(dbpool, cfg.DBIsolation)
	ledger := app.NewAccountLedger(st, logger)
	evaluator := app.NewEligibilityEvaluator(st, catalog)
	credits := app.NewCreditLifecycleEngine(st, catalog, ledger, evaluator, logger)
	approvals := app.NewApprovalWorkflow(st, cfg.ApprovalTTL(), logger)

	jobs := app.NewJobs(approvals, app.OverdueMarker(credits), logger, systemActorID, cfg.OverdueGraceDays)
	scheduler := app.NewScheduler(jobs, logger, cfg)

	if scheduled := scheduler.Start(); scheduled == 0 {
		logger.Error("no jobs scheduled; check the cron expressions")
		os.Exit(1)
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
