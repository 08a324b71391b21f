package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
	"github.com/curalabs/season-rewards-service/pkg/metrics"
)

// Executor turns an approved reward calculation into batched transfers
// against the ledger. Execution is a resumable background job: rows are
// idempotent per (season, recipient), confirmed rows are never re-paid,
// and a restart resumes with only the non-confirmed remainder.
type Executor struct {
	repo    domain.DistributionRepository
	calc    domain.RewardService
	gateway domain.LedgerGateway
	cfg     *config.Distribution
	logger  *logger.Logger

	mu      sync.Mutex
	running map[int64]*runState
}

type runState struct {
	mu       sync.Mutex
	progress domain.ExecutionProgress
}

func (rs *runState) snapshot() domain.ExecutionProgress {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.progress
}

func NewExecutor(
	repo domain.DistributionRepository,
	calc domain.RewardService,
	gateway domain.LedgerGateway,
	cfg *config.Distribution,
	log *logger.Logger,
) *Executor {
	return &Executor{
		repo:    repo,
		calc:    calc,
		gateway: gateway,
		cfg:     cfg,
		logger:  log,
		running: make(map[int64]*runState),
	}
}

// IsRunning reports whether this instance is executing the season. Used by
// the season manager to refuse a forced transition mid-run.
func (e *Executor) IsRunning(season int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[season]
	return ok
}

// StartDistribution begins or resumes payout execution for a season and
// returns quickly; transfers run in a background goroutine and are only
// visible through Progress. A second call for a season already in progress
// is a no-op returning the existing progress.
func (e *Executor) StartDistribution(ctx context.Context, season, poolSize int64) (*domain.ExecutionProgress, error) {
	if season <= 0 {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid season %d", season))
	}

	e.mu.Lock()
	if state, ok := e.running[season]; ok {
		e.mu.Unlock()
		progress := state.snapshot()
		return &progress, nil
	}
	e.mu.Unlock()

	locked, err := e.repo.TryAdvisoryLock(ctx, season)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire season lock: %w", err)
	}
	if !locked {
		// Another instance holds the lock; abort with no state mutation.
		return nil, domain.ErrDistributionRunning
	}

	rows, err := e.prepareRows(ctx, season, poolSize)
	if err != nil {
		e.repo.ReleaseAdvisoryLock(context.Background(), season)
		return nil, err
	}

	pending := retryableRows(rows, e.cfg.MaxAttempts)
	totalBatches := (len(pending) + e.cfg.BatchSize - 1) / e.cfg.BatchSize

	state := &runState{
		progress: deriveProgress(season, rows, e.cfg.MaxAttempts),
	}
	state.progress.Status = domain.ExecutionInProgress
	state.progress.TotalBatches = totalBatches

	e.mu.Lock()
	e.running[season] = state
	e.mu.Unlock()

	go e.execute(season, state, pending)

	progress := state.snapshot()
	return &progress, nil
}

// prepareRows loads the season's distribution rows, creating them from a
// fresh (deterministic) reward calculation if none exist yet.
func (e *Executor) prepareRows(ctx context.Context, season, poolSize int64) ([]domain.Distribution, error) {
	rows, err := e.repo.FindBySeason(ctx, season)
	if err != nil {
		return nil, fmt.Errorf("failed to load distribution rows: %w", err)
	}
	if len(rows) > 0 {
		return rows, nil
	}

	if poolSize <= 0 {
		return nil, domain.NewValidationError("pool size required to start a new distribution")
	}

	plan, err := e.calc.Calculate(ctx, season, poolSize, 0)
	if err != nil {
		return nil, err
	}

	// The plan flattens to one payout per recipient, so (season, recipient)
	// stays a unique key even when a creator also supported a winner.
	payouts := plan.Recipients()
	created := make([]domain.Distribution, 0, len(payouts))
	for _, p := range payouts {
		created = append(created, distributionRow(season, p.Recipient, p.Amount, p.Kind))
	}

	if err := e.repo.CreateBatch(ctx, created); err != nil {
		return nil, fmt.Errorf("failed to create distribution rows: %w", err)
	}

	rows, err = e.repo.FindBySeason(ctx, season)
	if err != nil {
		return nil, fmt.Errorf("failed to reload distribution rows: %w", err)
	}
	return rows, nil
}

func distributionRow(season int64, recipient string, amount int64, kind domain.RecipientKind) domain.Distribution {
	return domain.Distribution{
		ID:        uuid.New().String(),
		Season:    season,
		Recipient: recipient,
		Kind:      kind,
		Amount:    amount,
		Status:    domain.DistributionPending,
	}
}

func retryableRows(rows []domain.Distribution, maxAttempts int) []domain.Distribution {
	var out []domain.Distribution
	for _, row := range rows {
		switch row.Status {
		case domain.DistributionConfirmed:
			continue
		case domain.DistributionFailed:
			if row.Attempts >= maxAttempts {
				continue
			}
		}
		out = append(out, row)
	}
	return out
}

// execute runs the batches strictly in order: batch k+1 never starts
// before every row of batch k reaches a terminal state. A batch failure
// never aborts later batches.
func (e *Executor) execute(season int64, state *runState, rows []domain.Distribution) {
	defer func() {
		e.mu.Lock()
		delete(e.running, season)
		e.mu.Unlock()
		if err := e.repo.ReleaseAdvisoryLock(context.Background(), season); err != nil {
			e.logger.Errorw("Failed to release season lock", "season", season, "error", err)
		}
	}()

	for start := 0; start < len(rows); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		batchNum := start/e.cfg.BatchSize + 1

		state.mu.Lock()
		state.progress.CurrentBatch = batchNum
		state.mu.Unlock()

		e.logger.Infow("Executing distribution batch",
			"season", season,
			"batch", batchNum,
			"recipients", len(batch),
		)

		for _, row := range batch {
			e.executeRow(season, state, row)
		}
	}

	final := e.finishRun(season, state)
	e.logger.Infow("Distribution run finished",
		"season", season,
		"processed", final.Processed,
		"successful", final.Successful,
		"failed", final.Failed,
		"status", final.Status,
	)
}

// executeRow drives one payout to a terminal state: submit, mark sent,
// await confirmation bounded by the confirmation timeout, then confirmed
// or failed. A row that times out waiting is failed and retried later; it
// is never left sent-but-unknown.
func (e *Executor) executeRow(season int64, state *runState, row domain.Distribution) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmationTimeout)
	defer cancel()

	txHash, err := e.gateway.SubmitTransfer(ctx, row.Recipient, row.Amount)
	if err != nil {
		e.failRow(state, row, fmt.Sprintf("submit failed: %v", err))
		return
	}

	if err := e.repo.MarkSent(ctx, row.ID, txHash); err != nil {
		e.logger.Errorw("Failed to mark row sent", "season", season, "recipient", row.Recipient, "error", err)
	}

	receipt, err := e.gateway.AwaitConfirmation(ctx, txHash)
	if err != nil {
		e.failRow(state, row, fmt.Sprintf("confirmation timed out: %v", err))
		return
	}

	if receipt.Status != domain.TxConfirmed {
		e.failRow(state, row, receipt.Error)
		return
	}

	if err := e.repo.MarkConfirmed(ctx, row.ID); err != nil {
		e.logger.Errorw("Failed to mark row confirmed", "season", season, "recipient", row.Recipient, "error", err)
	}

	metrics.RecordDistributionOutcome(string(domain.DistributionConfirmed))
	state.recordOutcome(row.Status, true)
}

// recordOutcome moves the progress counters, shifting rather than adding
// when a previously failed row is retried so Processed stays an accurate
// count of rows in a terminal state.
func (rs *runState) recordOutcome(prior domain.DistributionStatus, confirmed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if prior == domain.DistributionFailed {
		if confirmed {
			rs.progress.Failed--
			rs.progress.Successful++
		}
	} else {
		rs.progress.Processed++
		if confirmed {
			rs.progress.Successful++
		} else {
			rs.progress.Failed++
		}
	}
	metrics.UpdateDistributionProgress(rs.progress.Processed, rs.progress.TotalRecipients)
}

func (e *Executor) failRow(state *runState, row domain.Distribution, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.repo.MarkFailed(ctx, row.ID, reason); err != nil {
		e.logger.Errorw("Failed to mark row failed", "recipient", row.Recipient, "error", err)
	}

	metrics.RecordDistributionOutcome(string(domain.DistributionFailed))
	e.logger.Warnw("Distribution row failed",
		"season", row.Season,
		"recipient", row.Recipient,
		"amount", row.Amount,
		"attempt", row.Attempts+1,
		"reason", reason,
	)

	state.recordOutcome(row.Status, false)
}

func (e *Executor) finishRun(season int64, state *runState) domain.ExecutionProgress {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := e.repo.FindBySeason(ctx, season)
	if err != nil {
		e.logger.Errorw("Failed to load rows for final progress", "season", season, "error", err)
		return state.snapshot()
	}

	final := deriveProgress(season, rows, e.cfg.MaxAttempts)

	state.mu.Lock()
	state.progress = final
	state.mu.Unlock()
	return final
}

// Progress reports execution state for a season: the live snapshot while a
// run is in flight on this instance, otherwise a derivation from the
// persisted rows.
func (e *Executor) Progress(ctx context.Context, season int64) (*domain.ExecutionProgress, error) {
	e.mu.Lock()
	state, ok := e.running[season]
	e.mu.Unlock()

	if ok {
		progress := state.snapshot()
		progress.Status = domain.ExecutionInProgress
		return &progress, nil
	}

	rows, err := e.repo.FindBySeason(ctx, season)
	if err != nil {
		return nil, fmt.Errorf("failed to load distribution rows: %w", err)
	}

	progress := deriveProgress(season, rows, e.cfg.MaxAttempts)
	return &progress, nil
}

// deriveProgress reconstructs ExecutionProgress from persisted rows.
// Completed requires every row terminal with no retries pending; a row set
// left with retryable failures or unprocessed rows (crashed or partial
// run) reports failed so the operator re-runs the distribution.
func deriveProgress(season int64, rows []domain.Distribution, maxAttempts int) domain.ExecutionProgress {
	progress := domain.ExecutionProgress{
		Season:          season,
		TotalRecipients: len(rows),
		Status:          domain.ExecutionPending,
	}
	if len(rows) == 0 {
		return progress
	}

	retryable := 0
	for _, row := range rows {
		switch row.Status {
		case domain.DistributionConfirmed:
			progress.Processed++
			progress.Successful++
		case domain.DistributionFailed:
			progress.Processed++
			progress.Failed++
			if row.Attempts < maxAttempts {
				retryable++
			}
		}
	}

	switch {
	case progress.Processed == progress.TotalRecipients && retryable == 0:
		progress.Status = domain.ExecutionCompleted
	default:
		progress.Status = domain.ExecutionFailed
	}
	return progress
}
