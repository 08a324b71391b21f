package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

// advisoryLockClass namespaces this service's per-season executor locks
// inside pg_advisory_lock's two-int32 key space.
const advisoryLockClass = 7419

// DistributionRepository persists payout rows. Rows are mutated only by
// the season's executor, which holds the advisory lock.
type DistributionRepository struct {
	db     *pgxpool.Pool
	logger *logger.Logger

	mu        sync.Mutex
	lockConns map[int64]*pgxpool.Conn
}

func NewDistributionRepository(db *pgxpool.Pool, logger *logger.Logger) *DistributionRepository {
	return &DistributionRepository{
		db:        db,
		logger:    logger,
		lockConns: make(map[int64]*pgxpool.Conn),
	}
}

// CreateBatch inserts payout rows idempotently: a (season, recipient) pair
// that already exists is left untouched, so resuming after a crash never
// duplicates or resets a row.
func (r *DistributionRepository) CreateBatch(ctx context.Context, rows []domain.Distribution) error {
	if len(rows) == 0 {
		return nil
	}

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
	query := `
		INSERT INTO distributions (id, season, recipient, kind, amount, status, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
		ON CONFLICT (season, recipient) DO NOTHING
	`

	for _, row := range rows {
		if row.ID == "" {
			row.ID = uuid.New().String()
		}
		if row.Status == "" {
			row.Status = domain.DistributionPending
		}
		batch.Queue(query, row.ID, row.Season, row.Recipient, row.Kind, row.Amount, row.Status)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		ct, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("failed to execute batch item %d: %w", i, err)
		}
		inserted += int(ct.RowsAffected())
	}

	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Infow("Created distribution rows", "attempted", len(rows), "inserted", inserted, "existing", len(rows)-inserted)
	return nil
}

func (r *DistributionRepository) FindBySeason(ctx context.Context, season int64) ([]domain.Distribution, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
		SELECT id, season, recipient, kind, amount, status, tx_hash, error, attempts, updated_at
		FROM distributions
		WHERE season = $1
		ORDER BY amount DESC, recipient ASC
	`

	rows, err := r.db.Query(ctx, query, season)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	var dists []domain.Distribution
	for rows.Next() {
		var d domain.Distribution
		var txHash, errMsg sql.NullString
		err := rows.Scan(
			&d.ID,
			&d.Season,
			&d.Recipient,
			&d.Kind,
			&d.Amount,
			&d.Status,
			&txHash,
			&errMsg,
			&d.Attempts,
			&d.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		d.TxHash = txHash.String
		d.Error = errMsg.String
		dists = append(dists, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return dists, nil
}

func (r *DistributionRepository) MarkSent(ctx context.Context, id string, txHash string) error {
	return r.update(ctx, `
		UPDATE distributions
		SET status = 'sent', tx_hash = $2, updated_at = NOW()
		WHERE id = $1
	`, id, txHash)
}

func (r *DistributionRepository) MarkConfirmed(ctx context.Context, id string) error {
	return r.update(ctx, `
		UPDATE distributions
		SET status = 'confirmed', error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
}

// MarkFailed records one exhausted attempt; the attempts column is the
// retry budget counter.
func (r *DistributionRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.update(ctx, `
		UPDATE distributions
		SET status = 'failed', error = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
}

func (r *DistributionRepository) update(ctx context.Context, query string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ct, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update distribution: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("distribution row not found")
	}
	return nil
}

// TryAdvisoryLock takes the per-season session lock on a dedicated pooled
// connection. The connection is pinned until release so the lock survives
// for the whole executor run.
func (r *DistributionRepository) TryAdvisoryLock(ctx context.Context, season int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.lockConns[season]; held {
		return false, nil
	}

	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var locked bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, advisoryLockClass, season).Scan(&locked)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}

	r.lockConns[season] = conn
	return true, nil
}

func (r *DistributionRepository) ReleaseAdvisoryLock(ctx context.Context, season int64) error {
	r.mu.Lock()
	conn, held := r.lockConns[season]
	delete(r.lockConns, season)
	r.mu.Unlock()

	if !held {
		return nil
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1, $2)`, advisoryLockClass, season); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
