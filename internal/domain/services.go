package domain

import "context"

// LeaderboardEntry is one ranked row of a season's leaderboard.
type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	Target         string `json:"target"`
	TotalVotes     int64  `json:"total_votes"`
	VoterCount     int64  `json:"voter_count"`
	Representative bool   `json:"representative,omitempty"`
}

// SeasonValidation is the pre-finalization consistency report.
// Discrepancies block finalization; warnings (representative rows) are
// accepted accuracy trade-offs surfaced for the operator.
type SeasonValidation struct {
	Season        int64    `json:"season"`
	CanProceed    bool     `json:"can_proceed"`
	Discrepancies []string `json:"discrepancies"`
	Warnings      []string `json:"warnings,omitempty"`
}

type RankingService interface {
	Leaderboard(ctx context.Context, season int64, limit int) ([]LeaderboardEntry, error)
}

type RewardService interface {
	Calculate(ctx context.Context, season, poolSize int64, topN int) (*RewardCalculation, error)
}

type DistributionService interface {
	// StartDistribution begins or resumes payout execution for a season.
	// poolSize is only consulted when no rows exist yet; a resume run
	// retries non-confirmed rows regardless of it.
	StartDistribution(ctx context.Context, season, poolSize int64) (*ExecutionProgress, error)
	Progress(ctx context.Context, season int64) (*ExecutionProgress, error)
	IsRunning(season int64) bool
}

type SyncService interface {
	// RebuildRepresentative refetches target owners from the ledger and
	// replaces the season's representative rows.
	RebuildRepresentative(ctx context.Context, season int64) error
}

type DelegationService interface {
	SubmitDelegation(ctx context.Context, user, target string, amount int64) (string, error)
	SubmitUndelegation(ctx context.Context, user, target string, amount int64) (string, error)
	AvailablePower(ctx context.Context, user string) (int64, error)
	ValidateSeason(ctx context.Context, season int64) (*SeasonValidation, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}
