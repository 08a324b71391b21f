package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

const bpsDenominator = 10000

// Calculator turns a ranked leaderboard and a pool size into a full
// distribution plan. All arithmetic is integer minor units; remainders are
// assigned deterministically (pool remainder to rank 1, supporter-pool
// remainder to the largest supporter) so recomputing against an unchanged
// cache yields byte-identical output.
type Calculator struct {
	cache   domain.CacheRepository
	gateway domain.LedgerGateway
	ranking *Ranking
	sync    *Synchronizer
	seasons *SeasonManager
	clock   clockwork.Clock
	cfg     *config.Rewards
	season  *config.Season
	logger  *logger.Logger
}

func NewCalculator(
	cache domain.CacheRepository,
	gateway domain.LedgerGateway,
	ranking *Ranking,
	sync *Synchronizer,
	seasons *SeasonManager,
	clock clockwork.Clock,
	cfg *config.Rewards,
	seasonCfg *config.Season,
	log *logger.Logger,
) *Calculator {
	return &Calculator{
		cache:   cache,
		gateway: gateway,
		ranking: ranking,
		sync:    sync,
		seasons: seasons,
		clock:   clock,
		cfg:     cfg,
		season:  seasonCfg,
		logger:  log,
	}
}

func (c *Calculator) Calculate(ctx context.Context, season, poolSize int64, topN int) (*domain.RewardCalculation, error) {
	if season <= 0 {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid season %d", season))
	}
	if poolSize <= 0 {
		return nil, domain.NewValidationError(fmt.Sprintf("pool size must be positive, got %d", poolSize))
	}
	if topN <= 0 {
		topN = c.cfg.TopN
	}
	if topN > len(c.cfg.RankWeightsBps) {
		return nil, domain.NewValidationError(fmt.Sprintf("top N %d exceeds configured rank weights (%d)", topN, len(c.cfg.RankWeightsBps)))
	}

	if err := c.checkFreshness(ctx, season); err != nil {
		// A stale cache gets one forced resync before the caller sees
		// the error.
		var stale *domain.StaleCacheError
		if !errors.As(err, &stale) {
			return nil, err
		}
		if resyncErr := c.sync.ForceResync(ctx, season); resyncErr != nil {
			return nil, fmt.Errorf("resync after stale cache failed: %w", resyncErr)
		}
		if err := c.checkFreshness(ctx, season); err != nil {
			return nil, err
		}
	}

	entries, err := c.ranking.Leaderboard(ctx, season, topN)
	if err != nil {
		return nil, err
	}
	if len(entries) < topN {
		return nil, &domain.InsufficientDataError{
			Season:    season,
			Requested: topN,
			Available: len(entries),
		}
	}

	calc := &domain.RewardCalculation{
		Season:            season,
		PoolSize:          poolSize,
		CreatorShareBps:   c.cfg.CreatorShareBps,
		SupporterShareBps: bpsDenominator - c.cfg.CreatorShareBps,
	}

	weights := c.cfg.RankWeightsBps[:topN]
	rankTotals := splitByWeights(poolSize, weights)

	for i, entry := range entries {
		creator, err := c.gateway.TargetOwner(ctx, entry.Target)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve creator of %s: %w", entry.Target, err)
		}

		rankTotal := rankTotals[i]
		creatorReward := rankTotal * c.cfg.CreatorShareBps / bpsDenominator
		supporterPool := rankTotal - creatorReward

		supporters, err := c.supporterRewards(ctx, entry.Target, season, entry.TotalVotes, supporterPool)
		if err != nil {
			return nil, err
		}

		calc.PerRank = append(calc.PerRank, domain.RankReward{
			Rank:           i + 1,
			Target:         entry.Target,
			Creator:        creator,
			TotalVotes:     entry.TotalVotes,
			WeightBps:      weights[i],
			Total:          rankTotal,
			CreatorReward:  creatorReward,
			SupporterPool:  supporterPool,
			Supporters:     supporters,
			Representative: entry.Representative,
		})
	}

	if got := calc.TotalPayout(); got != poolSize {
		// Arithmetic guard; this would mint or burn pool tokens.
		return nil, fmt.Errorf("reward split lost tokens: pool %d, allocated %d", poolSize, got)
	}

	c.logger.Infow("Reward calculation complete",
		"season", season,
		"poolSize", poolSize,
		"winners", len(calc.PerRank),
	)
	return calc, nil
}

// checkFreshness rejects calculations built on a cache older than the
// freshness threshold relative to season end. Calculate reacts to
// StaleCacheError by forcing a resync and retrying once.
func (c *Calculator) checkFreshness(ctx context.Context, season int64) error {
	cursor, err := c.cache.GetCursor(ctx, season)
	if err != nil {
		return fmt.Errorf("failed to read sync cursor: %w", err)
	}

	// The reference point is season end for finished seasons, now for a
	// season still running.
	_, end := c.seasons.SeasonBoundaries(season)
	reference := end
	if now := c.clock.Now(); now.Before(end) {
		reference = now
	}

	if cursor.Stale || cursor.UpdatedAt.Before(reference.Add(-c.season.FreshnessThreshold)) {
		head, headErr := c.gateway.HeadBlock(ctx)
		if headErr != nil {
			head = -1
		}
		return &domain.StaleCacheError{
			Season:      season,
			SyncedBlock: cursor.LastSyncedBlock,
			HeadBlock:   head,
		}
	}
	return nil
}

// splitByWeights divides total across basis-point weights; the integer
// division remainder goes to the first (highest) rank so the parts always
// sum to total exactly.
func splitByWeights(total int64, weightsBps []int64) []int64 {
	parts := make([]int64, len(weightsBps))
	var allocated int64
	for i, w := range weightsBps {
		parts[i] = total * w / bpsDenominator
		allocated += parts[i]
	}
	if len(parts) > 0 {
		parts[0] += total - allocated
	}
	return parts
}

// supporterRewards splits a supporter pool proportionally to each
// supporter's delegated amount over the target's total votes. The integer
// remainder goes to the largest supporter (ties broken by ascending user
// id, matching the repository's ordering).
func (c *Calculator) supporterRewards(ctx context.Context, target string, season, totalVotes, supporterPool int64) ([]domain.SupporterReward, error) {
	if supporterPool == 0 {
		return nil, nil
	}

	delegations, err := c.cache.UserDelegationsForTarget(ctx, target, season)
	if err != nil {
		return nil, fmt.Errorf("failed to load supporters of %s: %w", target, err)
	}
	if len(delegations) == 0 || totalVotes <= 0 {
		return nil, nil
	}

	rewards := make([]domain.SupporterReward, 0, len(delegations))
	var allocated int64
	largest := 0
	for i, d := range delegations {
		amount := supporterPool * d.Amount / totalVotes
		allocated += amount
		rewards = append(rewards, domain.SupporterReward{User: d.User, Amount: amount})
		if d.Amount > delegations[largest].Amount {
			largest = i
		}
	}
	rewards[largest].Amount += supporterPool - allocated

	return rewards, nil
}
