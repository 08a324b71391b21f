package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
	"github.com/curalabs/season-rewards-service/pkg/metrics"
)

// Synchronizer keeps the delegation cache reconciled with the ledger's
// event log. It is the single writer of cache_aggregates and
// user_delegations; everything else only reads them.
type Synchronizer struct {
	cache   domain.CacheRepository
	gateway domain.LedgerGateway
	seasons *SeasonManager
	cfg     *config.LedgerAPI
	season  *config.Season
	logger  *logger.Logger

	pollingTicker  *time.Ticker
	stopPolling    chan struct{}
	pollingStarted bool
	mu             sync.Mutex

	// syncMu serializes sync passes so a forced resync never interleaves
	// with the scheduled tick.
	syncMu sync.Mutex
}

func NewSynchronizer(
	cache domain.CacheRepository,
	gateway domain.LedgerGateway,
	seasons *SeasonManager,
	cfg *config.LedgerAPI,
	seasonCfg *config.Season,
	log *logger.Logger,
) *Synchronizer {
	return &Synchronizer{
		cache:       cache,
		gateway:     gateway,
		seasons:     seasons,
		cfg:         cfg,
		season:      seasonCfg,
		logger:      log,
		stopPolling: make(chan struct{}),
	}
}

func (s *Synchronizer) StartPolling() error {
	s.mu.Lock()
	if s.pollingStarted {
		s.mu.Unlock()
		return fmt.Errorf("polling already started")
	}
	s.pollingStarted = true
	s.mu.Unlock()

	s.pollingTicker = time.NewTicker(s.cfg.PollingInterval)

	go s.pollLoop()

	s.logger.Infow("Cache sync polling started", "interval", s.cfg.PollingInterval)
	return nil
}

func (s *Synchronizer) StopPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pollingStarted {
		return
	}

	close(s.stopPolling)
	if s.pollingTicker != nil {
		s.pollingTicker.Stop()
	}
	s.pollingStarted = false
	s.logger.Info("Cache sync polling stopped")
}

func (s *Synchronizer) pollLoop() {
	s.pollOnce()

	for {
		select {
		case <-s.pollingTicker.C:
			s.pollOnce()
		case <-s.stopPolling:
			return
		}
	}
}

func (s *Synchronizer) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	season := s.seasons.CurrentSeason().Number
	if season == 0 {
		return
	}

	if err := s.SyncOnce(ctx, season); err != nil {
		s.logger.Errorw("Sync tick failed", "season", season, "error", err)
		metrics.RecordSyncTick("error")
		return
	}
	metrics.RecordSyncTick("success")
}

// SyncOnce runs one reconciliation pass for a season: fetch every event in
// (lastSyncedBlock, head], fold the signed amounts, and apply the whole
// fold plus the cursor advance in one transaction. Any ledger failure or
// malformed event aborts the tick without advancing the cursor and marks
// the season stale.
func (s *Synchronizer) SyncOnce(ctx context.Context, season int64) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	cursor, err := s.cache.GetCursor(ctx, season)
	if err != nil {
		return fmt.Errorf("failed to read sync cursor: %w", err)
	}

	head, err := s.gateway.HeadBlock(ctx)
	if err != nil {
		s.markStale(season)
		return fmt.Errorf("failed to fetch ledger head: %w", err)
	}

	if head <= cursor.LastSyncedBlock {
		metrics.UpdateCacheStale(false)
		return nil
	}

	events, err := s.gateway.Events(ctx, cursor.LastSyncedBlock, head)
	if err != nil {
		s.markStale(season)
		return fmt.Errorf("failed to fetch events (%d, %d]: %w", cursor.LastSyncedBlock, head, err)
	}

	aggs, users, err := foldEvents(events, season)
	if err != nil {
		// A malformed event poisons the whole tick; advancing past it
		// would silently drop ledger history.
		s.markStale(season)
		metrics.EventsQuarantined.Inc()
		return fmt.Errorf("event validation failed, tick aborted: %w", err)
	}

	if err := s.cache.ApplyDeltas(ctx, season, aggs, users, head); err != nil {
		s.markStale(season)
		return fmt.Errorf("failed to apply deltas: %w", err)
	}

	for _, e := range events {
		if e.Season == season {
			metrics.RecordEventProcessed(string(e.Direction))
		}
	}
	metrics.UpdateLastSyncedBlock(head)
	metrics.UpdateCacheStale(false)

	s.logger.Infow("Sync tick applied",
		"season", season,
		"events", len(events),
		"fromBlock", cursor.LastSyncedBlock,
		"toBlock", head,
	)
	return nil
}

// foldEvents orders events by (blockHeight, logIndex) and folds them into
// per-key deltas for the given season. Cross-season events never touch
// another season's aggregates.
func foldEvents(events []domain.DelegationEvent, season int64) ([]domain.AggregateDelta, []domain.UserDelegationDelta, error) {
	sorted := make([]domain.DelegationEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockHeight != sorted[j].BlockHeight {
			return sorted[i].BlockHeight < sorted[j].BlockHeight
		}
		return sorted[i].LogIndex < sorted[j].LogIndex
	})

	aggMap := make(map[string]*domain.AggregateDelta)
	userMap := make(map[string]*domain.UserDelegationDelta)
	var aggOrder, userOrder []string

	for _, e := range sorted {
		if err := e.Validate(); err != nil {
			return nil, nil, err
		}
		if e.Season != season {
			continue
		}

		signed := e.SignedAmount()

		if agg, ok := aggMap[e.Target]; ok {
			agg.VoteDelta += signed
		} else {
			aggMap[e.Target] = &domain.AggregateDelta{
				Target:    e.Target,
				Season:    season,
				VoteDelta: signed,
			}
			aggOrder = append(aggOrder, e.Target)
		}
		if e.Direction == domain.DirectionDelegate {
			agg := aggMap[e.Target]
			if agg.FirstDelegationAt.IsZero() || e.Timestamp.Before(agg.FirstDelegationAt) {
				agg.FirstDelegationAt = e.Timestamp
			}
		}

		userKey := e.User + "\x00" + e.Target
		if u, ok := userMap[userKey]; ok {
			u.VoteDelta += signed
		} else {
			userMap[userKey] = &domain.UserDelegationDelta{
				User:      e.User,
				Target:    e.Target,
				Season:    season,
				VoteDelta: signed,
			}
			userOrder = append(userOrder, userKey)
		}
	}

	aggs := make([]domain.AggregateDelta, 0, len(aggOrder))
	for _, k := range aggOrder {
		aggs = append(aggs, *aggMap[k])
	}
	users := make([]domain.UserDelegationDelta, 0, len(userOrder))
	for _, k := range userOrder {
		users = append(users, *userMap[k])
	}
	return aggs, users, nil
}

func (s *Synchronizer) markStale(season int64) {
	metrics.UpdateCacheStale(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.MarkStale(ctx, season, true); err != nil {
		s.logger.Errorw("Failed to mark season stale", "season", season, "error", err)
	}
}

// ForceResync runs an on-demand pass, used by StaleCacheError recovery and
// by the season-end final reconciliation.
func (s *Synchronizer) ForceResync(ctx context.Context, season int64) error {
	s.logger.Infow("Forcing cache resync", "season", season)
	return s.SyncOnce(ctx, season)
}

// IsFresh reports whether the season's cursor is within the configured
// block tolerance of the ledger head.
func (s *Synchronizer) IsFresh(ctx context.Context, season int64) (bool, error) {
	cursor, err := s.cache.GetCursor(ctx, season)
	if err != nil {
		return false, err
	}
	if cursor.Stale {
		return false, nil
	}

	head, err := s.gateway.HeadBlock(ctx)
	if err != nil {
		return false, err
	}

	if head-cursor.LastSyncedBlock > s.season.StaleBlockTolerance {
		return false, &domain.StaleCacheError{
			Season:      season,
			SyncedBlock: cursor.LastSyncedBlock,
			HeadBlock:   head,
		}
	}
	return true, nil
}

// RebuildRepresentative is the fallback reconstruction mode for seasons
// whose event log is gone (pruned nodes). Each target keeps its known
// total, attributed to the owner as a single representative voter. Voter
// granularity is lost; per-target totals are preserved. Every synthesized
// row is tagged so ranking and reward logic can flag or exclude it.
func (s *Synchronizer) RebuildRepresentative(ctx context.Context, season int64) error {
	aggs, err := s.cache.TopAggregates(ctx, season, 10000, domain.TieBreakTargetID)
	if err != nil {
		return fmt.Errorf("failed to load aggregates for rebuild: %w", err)
	}
	if len(aggs) == 0 {
		return domain.NewValidationError(fmt.Sprintf("no aggregates known for season %d, nothing to rebuild", season))
	}

	rows := make([]domain.UserDelegation, len(aggs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, agg := range aggs {
		i, agg := i, agg
		g.Go(func() error {
			owner, err := s.gateway.TargetOwner(gctx, agg.Target)
			if err != nil {
				var unavailable *domain.LedgerUnavailableError
				if errors.As(err, &unavailable) {
					return fmt.Errorf("cannot resolve owner of %s: %w", agg.Target, err)
				}
				return err
			}
			rows[i] = domain.UserDelegation{
				User:           owner,
				Target:         agg.Target,
				Season:         season,
				Amount:         agg.TotalVotes,
				Representative: true,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.cache.ReplaceRepresentative(ctx, season, rows); err != nil {
		return fmt.Errorf("failed to store representative rows: %w", err)
	}

	s.logger.Warnw("Rebuilt season in representative mode; voter-level granularity lost",
		"season", season, "targets", len(rows))
	return nil
}
