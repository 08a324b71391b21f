package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curalabs/season-rewards-service/internal/application"
	"github.com/curalabs/season-rewards-service/internal/infrastructure/ledger"
	"github.com/curalabs/season-rewards-service/internal/infrastructure/postgres"
	httpHandler "github.com/curalabs/season-rewards-service/internal/interfaces/http"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Environment)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Season Rewards Service...")

	db, err := postgres.NewConnection(&cfg.Database, log)
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := postgres.RunMigrations(db, log); err != nil {
		log.Fatalw("Failed to run migrations", "error", err)
	}

	cacheRepo := postgres.NewCacheRepository(db, log)
	distRepo := postgres.NewDistributionRepository(db, log)

	ledgerClient := ledger.NewClient(
		cfg.LedgerAPI.BaseURL,
		cfg.LedgerAPI.RequestTimeout,
		cfg.LedgerAPI.MaxRetries,
		cfg.LedgerAPI.RetryDelay,
		log,
	)

	clock := clockwork.NewRealClock()

	ranking := application.NewRanking(cacheRepo, &cfg.Rewards, log)

	// Wiring order: the season manager needs the executor's run check,
	// the calculator needs the synchronizer, and the synchronizer needs
	// the manager's season math.
	var seasons *application.SeasonManager
	executorHolder := &runCheckerHolder{}
	seasons = application.NewSeasonManager(&cfg.Season, clock, executorHolder, log)

	synchronizer := application.NewSynchronizer(cacheRepo, ledgerClient, seasons, &cfg.LedgerAPI, &cfg.Season, log)

	calculator := application.NewCalculator(cacheRepo, ledgerClient, ranking, synchronizer, seasons, clock, &cfg.Rewards, &cfg.Season, log)

	executor := application.NewExecutor(distRepo, calculator, ledgerClient, &cfg.Distribution, log)
	executorHolder.checker = executor

	delegations := application.NewDelegationService(cacheRepo, ledgerClient, synchronizer, seasons, &cfg.Season, log)

	// Season end triggers the synchronizer's final reconciliation pass so
	// the leaderboard is computed from a consistent cache.
	seasons.SetTransitionHook(func(ctx context.Context, endedSeason int64) {
		if err := synchronizer.ForceResync(ctx, endedSeason); err != nil {
			log.Errorw("Final reconciliation failed for ended season",
				"season", endedSeason, "error", err)
		}
	})

	if err := synchronizer.StartPolling(); err != nil {
		log.Fatalw("Failed to start cache sync polling", "error", err)
	}
	defer synchronizer.StopPolling()

	seasons.StartTransitionLoop()
	defer seasons.Stop()

	router := httpHandler.NewRouter(seasons, delegations, ranking, calculator, executor, synchronizer, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsServer := &http.Server{
				Addr:    ":" + cfg.Metrics.Port,
				Handler: metricsMux,
			}
			log.Infow("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("Metrics server error", "error", err)
			}
		}()
	}

	go func() {
		log.Infow("Starting HTTP server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}

// runCheckerHolder breaks the construction cycle between the season
// manager and the distribution executor.
type runCheckerHolder struct {
	checker application.RunChecker
}

func (h *runCheckerHolder) IsRunning(season int64) bool {
	if h.checker == nil {
		return false
	}
	return h.checker.IsRunning(season)
}
