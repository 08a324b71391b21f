package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

// DelegationService validates and forwards delegation requests to the
// ledger. It never writes the cache: totals only ever change when the
// synchronizer folds the resulting ledger events back in.
type DelegationService struct {
	cache   domain.CacheRepository
	gateway domain.LedgerGateway
	sync    *Synchronizer
	seasons *SeasonManager
	cfg     *config.Season
	logger  *logger.Logger
}

func NewDelegationService(
	cache domain.CacheRepository,
	gateway domain.LedgerGateway,
	sync *Synchronizer,
	seasons *SeasonManager,
	cfg *config.Season,
	log *logger.Logger,
) *DelegationService {
	return &DelegationService{
		cache:   cache,
		gateway: gateway,
		sync:    sync,
		seasons: seasons,
		cfg:     cfg,
		logger:  log,
	}
}

// AvailablePower is the user's ledger voting power minus the sum of their
// active-season delegations. Never negative by construction: every
// delegation was checked against it before submission.
func (s *DelegationService) AvailablePower(ctx context.Context, user string) (int64, error) {
	if user == "" {
		return 0, domain.NewValidationError("user is required")
	}

	total, err := s.gateway.VotingPower(ctx, user)
	if err != nil {
		return 0, err
	}

	season := s.seasons.CurrentSeason().Number
	delegations, err := s.cache.UserDelegationsForUser(ctx, user, season)
	if err != nil {
		return 0, fmt.Errorf("failed to load user delegations: %w", err)
	}

	var delegated int64
	for _, d := range delegations {
		delegated += d.Amount
	}

	available := total - delegated
	if available < 0 {
		// The cache can only claim more than total power if it has
		// drifted from the ledger; surface zero rather than a negative.
		s.logger.Warnw("Available power below zero, cache drift suspected",
			"user", user, "total", total, "delegated", delegated)
		return 0, nil
	}
	return available, nil
}

func (s *DelegationService) SubmitDelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	if err := s.validateRequest(user, target, amount); err != nil {
		return "", err
	}

	owner, err := s.gateway.TargetOwner(ctx, target)
	if err != nil {
		return "", err
	}
	if owner == user {
		return "", &domain.SelfDelegationError{User: user, Target: target}
	}

	available, err := s.AvailablePower(ctx, user)
	if err != nil {
		return "", err
	}
	if amount > available {
		return "", &domain.InsufficientPowerError{
			User:      user,
			Requested: amount,
			Available: available,
		}
	}

	txHash, err := s.gateway.SubmitDelegation(ctx, user, target, amount)
	if err != nil {
		return "", err
	}

	s.logger.Infow("Delegation submitted",
		"user", user, "target", target, "amount", amount, "txHash", txHash)
	return txHash, nil
}

func (s *DelegationService) SubmitUndelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	if err := s.validateRequest(user, target, amount); err != nil {
		return "", err
	}

	season := s.seasons.CurrentSeason().Number
	delegations, err := s.cache.UserDelegationsForUser(ctx, user, season)
	if err != nil {
		return "", fmt.Errorf("failed to load user delegations: %w", err)
	}

	var current int64
	for _, d := range delegations {
		if d.Target == target {
			current = d.Amount
			break
		}
	}
	if amount > current {
		return "", domain.NewValidationError(
			fmt.Sprintf("cannot undelegate %d from %s: only %d delegated", amount, target, current))
	}

	txHash, err := s.gateway.SubmitUndelegation(ctx, user, target, amount)
	if err != nil {
		return "", err
	}

	s.logger.Infow("Undelegation submitted",
		"user", user, "target", target, "amount", amount, "txHash", txHash)
	return txHash, nil
}

func (s *DelegationService) validateRequest(user, target string, amount int64) error {
	switch {
	case user == "":
		return domain.NewValidationError("user is required")
	case target == "":
		return domain.NewValidationError("target is required")
	case amount < s.cfg.MinDelegation:
		return domain.NewValidationError(
			fmt.Sprintf("amount %d below minimum delegation %d", amount, s.cfg.MinDelegation))
	}
	return nil
}

// ValidateSeason builds the pre-finalization consistency report consumed
// by the operator tool before approving rewards.
func (s *DelegationService) ValidateSeason(ctx context.Context, season int64) (*domain.SeasonValidation, error) {
	if season <= 0 {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid season %d", season))
	}

	report := &domain.SeasonValidation{Season: season, Discrepancies: []string{}}

	fresh, err := s.sync.IsFresh(ctx, season)
	if err != nil {
		var stale *domain.StaleCacheError
		if !errors.As(err, &stale) {
			return nil, err
		}
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("cache lags ledger head by %d blocks (tolerance %d)",
				stale.HeadBlock-stale.SyncedBlock, s.cfg.StaleBlockTolerance))
	} else if !fresh {
		report.Discrepancies = append(report.Discrepancies, "cache is marked stale; force a resync before finalizing")
	}

	ledgerSeason, err := s.gateway.CurrentSeasonNumber(ctx)
	if err != nil {
		return nil, err
	}
	if local := s.seasons.CurrentSeason().Number; ledgerSeason != local {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("ledger reports current season %d but local schedule says %d", ledgerSeason, local))
	}

	ledgerStart, ledgerEnd, err := s.gateway.SeasonWindow(ctx, season)
	if err != nil {
		return nil, err
	}
	localStart, localEnd := s.seasons.SeasonBoundaries(season)
	if !ledgerStart.Equal(localStart) || !ledgerEnd.Equal(localEnd) {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("ledger window for season %d [%s, %s) disagrees with local schedule [%s, %s)",
				season, ledgerStart, ledgerEnd, localStart, localEnd))
	}

	// The full-season query is deliberate: the ranked query filters out
	// non-positive totals, and a negative total is exactly what this
	// report has to catch.
	aggs, err := s.cache.AggregatesForSeason(ctx, season)
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregates: %w", err)
	}
	for _, agg := range aggs {
		if agg.TotalVotes < 0 {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("target %s has negative vote total %d", agg.Target, agg.TotalVotes))
		}
		delegations, err := s.cache.UserDelegationsForTarget(ctx, agg.Target, season)
		if err != nil {
			return nil, err
		}
		var sum int64
		representative := false
		for _, d := range delegations {
			sum += d.Amount
			representative = representative || d.Representative
		}
		if representative {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("target %s is backed by representative rows; supporter payouts lose granularity", agg.Target))
		}
		if sum != agg.TotalVotes {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("target %s aggregate %d does not match user delegation sum %d", agg.Target, agg.TotalVotes, sum))
		}
	}

	report.CanProceed = len(report.Discrepancies) == 0
	return report, nil
}

func (s *DelegationService) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}

	current := s.seasons.CurrentSeason()
	stats["current_season"] = current.Number
	stats["season_phase"] = string(current.Phase)
	stats["season_ends_at"] = current.EndTime

	return stats, nil
}
