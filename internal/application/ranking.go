package application

import (
	"context"
	"fmt"
	"sort"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

// Ranking produces season leaderboards from cache aggregates.
//
// The tie-break order is a policy decision, not an inherent property of
// the data: equal vote totals order by earliest first delegation
// (first-mover advantage), then by ascending target id. Reward assignment
// is sensitive to this, so the policy is configurable.
type Ranking struct {
	cache  domain.CacheRepository
	cfg    *config.Rewards
	logger *logger.Logger
}

func NewRanking(cache domain.CacheRepository, cfg *config.Rewards, log *logger.Logger) *Ranking {
	return &Ranking{
		cache:  cache,
		cfg:    cfg,
		logger: log,
	}
}

func (r *Ranking) Leaderboard(ctx context.Context, season int64, limit int) ([]domain.LeaderboardEntry, error) {
	if season <= 0 {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid season %d", season))
	}
	if limit <= 0 {
		limit = 10
	}

	aggs, err := r.cache.TopAggregates(ctx, season, limit, r.tieBreak())
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregates: %w", err)
	}

	r.sortAggregates(aggs)

	entries := make([]domain.LeaderboardEntry, 0, len(aggs))
	for i, agg := range aggs {
		representative, err := r.hasRepresentativeRows(ctx, agg.Target, season)
		if err != nil {
			return nil, err
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:           i + 1,
			Target:         agg.Target,
			TotalVotes:     agg.TotalVotes,
			VoterCount:     agg.VoterCount,
			Representative: representative,
		})
	}

	return entries, nil
}

// tieBreak maps the configured policy onto the repository's query order.
// The query and the in-memory sort must agree, otherwise a tie cut at the
// query's LIMIT boundary would not survive the re-sort.
func (r *Ranking) tieBreak() domain.TieBreak {
	if r.cfg.TieBreak == string(domain.TieBreakTargetID) {
		return domain.TieBreakTargetID
	}
	return domain.TieBreakFirstDelegation
}

func (r *Ranking) sortAggregates(aggs []domain.CacheAggregate) {
	sort.SliceStable(aggs, func(i, j int) bool {
		if aggs[i].TotalVotes != aggs[j].TotalVotes {
			return aggs[i].TotalVotes > aggs[j].TotalVotes
		}
		if r.tieBreak() == domain.TieBreakFirstDelegation {
			a, b := aggs[i].FirstDelegationAt, aggs[j].FirstDelegationAt
			if !a.Equal(b) {
				if a.IsZero() {
					return false
				}
				if b.IsZero() {
					return true
				}
				return a.Before(b)
			}
		}
		return aggs[i].Target < aggs[j].Target
	})
}

func (r *Ranking) hasRepresentativeRows(ctx context.Context, target string, season int64) (bool, error) {
	delegations, err := r.cache.UserDelegationsForTarget(ctx, target, season)
	if err != nil {
		return false, fmt.Errorf("failed to load delegations for %s: %w", target, err)
	}
	for _, d := range delegations {
		if d.Representative {
			return true, nil
		}
	}
	return false, nil
}
