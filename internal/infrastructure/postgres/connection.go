package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

func NewConnection(cfg *config.Database, logger *logger.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.MaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Successfully connected to PostgreSQL database")

	return pool, nil
}

func RunMigrations(pool *pgxpool.Pool, logger *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cache_aggregates (
			target TEXT NOT NULL,
			season BIGINT NOT NULL,
			total_votes BIGINT NOT NULL DEFAULT 0,
			voter_count BIGINT NOT NULL DEFAULT 0,
			first_delegation_at TIMESTAMP WITH TIME ZONE,
			last_synced_block BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (target, season)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_aggregates_season_votes
			ON cache_aggregates(season, total_votes DESC)`,
		`CREATE TABLE IF NOT EXISTS user_delegations (
			user_id TEXT NOT NULL,
			target TEXT NOT NULL,
			season BIGINT NOT NULL,
			amount BIGINT NOT NULL DEFAULT 0,
			representative BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (user_id, target, season)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_delegations_target
			ON user_delegations(target, season)`,
		`CREATE INDEX IF NOT EXISTS idx_user_delegations_user_season
			ON user_delegations(user_id, season)`,
		`CREATE TABLE IF NOT EXISTS distributions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			season BIGINT NOT NULL,
			recipient TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			tx_hash TEXT,
			error TEXT,
			attempts INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (season, recipient)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_distributions_season_status
			ON distributions(season, status)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			season BIGINT PRIMARY KEY,
			last_synced_block BIGINT NOT NULL DEFAULT 0,
			stale BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	logger.Info("Successfully ran database migrations")
	return nil
}
