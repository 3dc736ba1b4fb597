package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/meter-pay/meter_pay/internal/config"
	"github.com/meter-pay/meter_pay/internal/infra"
	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/logging"
	"github.com/meter-pay/meter_pay/internal/metrics"
	"github.com/meter-pay/meter_pay/internal/pricing"
	"github.com/meter-pay/meter_pay/internal/reporting"
	"github.com/meter-pay/meter_pay/internal/routes"
	"github.com/meter-pay/meter_pay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx := context.Background()
	recorder := metrics.NewRecorder()

	opts := ledger.Options{
		MaxTxAttempts: cfg.MaxTxAttempts,
		StoreTimeout:  cfg.StoreTimeout,
		OnRetry: func(attempt int, err error) {
			recorder.RecordStoreRetry()
			logger.Debug("retrying unit of work", "attempt", attempt, "error", err)
		},
	}

	var (
		store       ledger.Store
		db          *pgxpool.Pool
		mongoClient *mongo.Client
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if err := infra.MigratePostgres(cfg.DatabaseURL); err != nil {
			logger.Error("migrate postgres", "error", err)
			os.Exit(1)
		}
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = ledger.NewPostgresLedger(db, opts)
	case config.BackendMongo:
		mongoClient, err = infra.NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			logger.Error("connect mongo", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("close mongo", "error", err)
			}
		}()
		mongoLedger := ledger.NewMongoLedger(mongoClient, cfg.MongoDatabase, opts)
		if err := mongoLedger.Migrate(ctx); err != nil {
			logger.Error("migrate mongo", "error", err)
			os.Exit(1)
		}
		store = mongoLedger
	default:
		logger.Warn("using in-memory ledger; data is lost on restart")
		store = ledger.NewInMemory(opts)
	}

	if err := seedPrices(ctx, store, cfg.PriceFile, logger); err != nil {
		logger.Error("seed prices", "error", err)
		os.Exit(1)
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	srv, err := server.New(routes.Deps{Cfg: cfg, Store: store, DB: db, Cache: cache, Logger: logger, Metrics: recorder})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	var auditor *reporting.Auditor
	if cfg.ReconcileSchedule != "" {
		auditor, err = reporting.NewAuditor(reporting.NewReader(store), cfg.ReconcileSchedule, 0, recorder, logger)
		if err != nil {
			logger.Error("schedule reconciliation", "error", err)
			os.Exit(1)
		}
		auditor.Start()
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if auditor != nil {
		auditor.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

// seedPrices fills utilities that have no price yet from the price file, or
// from the built-in table when no file is set.
func seedPrices(ctx context.Context, store ledger.Store, path string, logger *slog.Logger) error {
	prices := pricing.Defaults()
	if path != "" {
		loaded, err := pricing.LoadFile(path)
		if err != nil {
			return err
		}
		prices = loaded
	}
	seeded, err := pricing.NewService(store).SeedMissing(ctx, prices)
	if err != nil {
		return err
	}
	logger.Info("prices seeded", "seeded", seeded, "configured", len(prices), "file", path)
	return nil
}
