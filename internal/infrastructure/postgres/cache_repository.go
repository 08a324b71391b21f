package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

// CacheRepository persists the derived delegation cache. Only the cache
// synchronizer writes here; every other component reads.
type CacheRepository struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

func NewCacheRepository(db *pgxpool.Pool, logger *logger.Logger) *CacheRepository {
	return &CacheRepository{
		db:     db,
		logger: logger,
	}
}

func (r *CacheRepository) GetCursor(ctx context.Context, season int64) (domain.SyncCursor, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cursor := domain.SyncCursor{Season: season}
	query := `
		SELECT last_synced_block, stale, updated_at
		FROM sync_cursors
		WHERE season = $1
	`

	var updatedAt sql.NullTime
	err := r.db.QueryRow(ctx, query, season).Scan(&cursor.LastSyncedBlock, &cursor.Stale, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cursor, nil
		}
		return cursor, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	if updatedAt.Valid {
		cursor.UpdatedAt = updatedAt.Time
	}

	return cursor, nil
}

func (r *CacheRepository) MarkStale(ctx context.Context, season int64, stale bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO sync_cursors (season, last_synced_block, stale, updated_at)
		VALUES ($1, 0, $2, NOW())
		ON CONFLICT (season) DO UPDATE SET
			stale = EXCLUDED.stale,
			updated_at = NOW()
	`

	if _, err := r.db.Exec(ctx, query, season, stale); err != nil {
		return fmt.Errorf("failed to mark season %d stale=%t: %w", season, stale, err)
	}

	return nil
}

// ApplyDeltas lands one sync tick's fold in a single transaction: all
// aggregate upserts, all user-delegation upserts, and the cursor advance.
// Either everything lands or nothing does, so readers never see a torn
// set of totals.
func (r *CacheRepository) ApplyDeltas(ctx context.Context, season int64, aggs []domain.AggregateDelta, users []domain.UserDelegationDelta, newBlock int64) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Use a fresh context for rollback to ensure it always works
		tx.Rollback(context.Background())
	}()

	batch := &pgx.Batch{}

	aggQuery := `
		INSERT INTO cache_aggregates (target, season, total_votes, voter_count, first_delegation_at, last_synced_block, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, NOW())
		ON CONFLICT (target, season) DO UPDATE SET
			total_votes = cache_aggregates.total_votes + EXCLUDED.total_votes,
			first_delegation_at = LEAST(COALESCE(cache_aggregates.first_delegation_at, EXCLUDED.first_delegation_at), EXCLUDED.first_delegation_at),
			last_synced_block = EXCLUDED.last_synced_block,
			updated_at = NOW()
	`
	for _, agg := range aggs {
		var firstAt interface{}
		if !agg.FirstDelegationAt.IsZero() {
			firstAt = agg.FirstDelegationAt
		}
		batch.Queue(aggQuery, agg.Target, agg.Season, agg.VoteDelta, firstAt, newBlock)
	}

	userQuery := `
		INSERT INTO user_delegations (user_id, target, season, amount, representative, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		ON CONFLICT (user_id, target, season) DO UPDATE SET
			amount = user_delegations.amount + EXCLUDED.amount,
			representative = FALSE,
			updated_at = NOW()
	`
	for _, u := range users {
		batch.Queue(userQuery, u.User, u.Target, u.Season, u.VoteDelta)
	}

	// Voter counts are recomputed from the user rows rather than tracked
	// incrementally, so undelegate-to-zero drops the voter.
	batch.Queue(`
		UPDATE cache_aggregates ca SET voter_count = (
			SELECT COUNT(*) FROM user_delegations ud
			WHERE ud.target = ca.target AND ud.season = ca.season AND ud.amount > 0
		)
		WHERE ca.season = $1
	`, season)

	batch.Queue(`
		INSERT INTO sync_cursors (season, last_synced_block, stale, updated_at)
		VALUES ($1, $2, FALSE, NOW())
		ON CONFLICT (season) DO UPDATE SET
			last_synced_block = EXCLUDED.last_synced_block,
			stale = FALSE,
			updated_at = NOW()
	`, season, newBlock)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to execute batch item %d: %w", i, err)
		}
	}

	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Infow("Applied sync deltas",
		"season", season,
		"aggregates", len(aggs),
		"userDelegations", len(users),
		"newBlock", newBlock,
	)
	return nil
}

func (r *CacheRepository) TopAggregates(ctx context.Context, season int64, limit int, tieBreak domain.TieBreak) ([]domain.CacheAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// The ORDER BY must match the in-memory leaderboard sort, otherwise a
	// tie straddling the LIMIT boundary gets cut by the wrong policy.
	orderBy := "total_votes DESC, first_delegation_at ASC NULLS LAST, target ASC"
	if tieBreak == domain.TieBreakTargetID {
		orderBy = "total_votes DESC, target ASC"
	}

	query := `
		SELECT target, season, total_votes, voter_count, first_delegation_at, last_synced_block, updated_at
		FROM cache_aggregates
		WHERE season = $1 AND total_votes > 0
		ORDER BY ` + orderBy + `
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, season, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top aggregates: %w", err)
	}
	defer rows.Close()

	return scanAggregates(rows)
}

// AggregatesForSeason returns every aggregate row for the season with no
// positivity filter, so reconciliation sees zero and negative totals that
// the leaderboard query hides.
func (r *CacheRepository) AggregatesForSeason(ctx context.Context, season int64) ([]domain.CacheAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
		SELECT target, season, total_votes, voter_count, first_delegation_at, last_synced_block, updated_at
		FROM cache_aggregates
		WHERE season = $1
		ORDER BY target ASC
	`

	rows, err := r.db.Query(ctx, query, season)
	if err != nil {
		return nil, fmt.Errorf("failed to query season aggregates: %w", err)
	}
	defer rows.Close()

	return scanAggregates(rows)
}

func (r *CacheRepository) GetAggregate(ctx context.Context, target string, season int64) (*domain.CacheAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT target, season, total_votes, voter_count, first_delegation_at, last_synced_block, updated_at
		FROM cache_aggregates
		WHERE target = $1 AND season = $2
	`

	rows, err := r.db.Query(ctx, query, target, season)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate: %w", err)
	}
	defer rows.Close()

	aggs, err := scanAggregates(rows)
	if err != nil {
		return nil, err
	}
	if len(aggs) == 0 {
		return nil, nil
	}
	return &aggs[0], nil
}

func scanAggregates(rows pgx.Rows) ([]domain.CacheAggregate, error) {
	var aggs []domain.CacheAggregate
	for rows.Next() {
		var a domain.CacheAggregate
		var firstAt, updatedAt sql.NullTime
		err := rows.Scan(
			&a.Target,
			&a.Season,
			&a.TotalVotes,
			&a.VoterCount,
			&firstAt,
			&a.LastSyncedBlock,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		if firstAt.Valid {
			a.FirstDelegationAt = firstAt.Time
		}
		if updatedAt.Valid {
			a.LastUpdatedAt = updatedAt.Time
		}
		aggs = append(aggs, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return aggs, nil
}

func (r *CacheRepository) UserDelegationsForTarget(ctx context.Context, target string, season int64) ([]domain.UserDelegation, error) {
	return r.queryUserDelegations(ctx, `
		SELECT user_id, target, season, amount, representative
		FROM user_delegations
		WHERE target = $1 AND season = $2 AND amount > 0
		ORDER BY amount DESC, user_id ASC
	`, target, season)
}

func (r *CacheRepository) UserDelegationsForUser(ctx context.Context, user string, season int64) ([]domain.UserDelegation, error) {
	return r.queryUserDelegations(ctx, `
		SELECT user_id, target, season, amount, representative
		FROM user_delegations
		WHERE user_id = $1 AND season = $2 AND amount > 0
		ORDER BY target ASC
	`, user, season)
}

func (r *CacheRepository) queryUserDelegations(ctx context.Context, query string, args ...interface{}) ([]domain.UserDelegation, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user delegations: %w", err)
	}
	defer rows.Close()

	var delegations []domain.UserDelegation
	for rows.Next() {
		var d domain.UserDelegation
		if err := rows.Scan(&d.User, &d.Target, &d.Season, &d.Amount, &d.Representative); err != nil {
			return nil, fmt.Errorf("failed to scan user delegation: %w", err)
		}
		delegations = append(delegations, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return delegations, nil
}

// ReplaceRepresentative swaps a season's voter-level rows for synthesized
// representative rows, used when the event log is unavailable. Ledger
// derived rows for the season are removed so totals are not double
// counted.
func (r *CacheRepository) ReplaceRepresentative(ctx context.Context, season int64, repRows []domain.UserDelegation) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		tx.Rollback(context.Background())
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM user_delegations WHERE season = $1`, season); err != nil {
		return fmt.Errorf("failed to clear season delegations: %w", err)
	}

	query := `
		INSERT INTO user_delegations (user_id, target, season, amount, representative, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
	`
	for _, row := range repRows {
		if _, err := tx.Exec(ctx, query, row.User, row.Target, row.Season, row.Amount); err != nil {
			return fmt.Errorf("failed to insert representative row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Warnw("Replaced season delegations with representative rows",
		"season", season, "rows", len(repRows))
	return nil
}

func (r *CacheRepository) Stats(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats := make(map[string]interface{})

	var targetCount, totalVotes sql.NullInt64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), SUM(total_votes) FROM cache_aggregates WHERE total_votes > 0
	`).Scan(&targetCount, &totalVotes)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}
	stats["targets_with_votes"] = targetCount.Int64
	stats["total_votes"] = totalVotes.Int64

	var uniqueVoters int64
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM user_delegations WHERE amount > 0
	`).Scan(&uniqueVoters)
	if err != nil {
		return nil, fmt.Errorf("failed to get voter count: %w", err)
	}
	stats["unique_voters"] = uniqueVoters

	var lastBlock sql.NullInt64
	err = r.db.QueryRow(ctx, `SELECT MAX(last_synced_block) FROM sync_cursors`).Scan(&lastBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to get last synced block: %w", err)
	}
	stats["last_synced_block"] = lastBlock.Int64

	return stats, nil
}
