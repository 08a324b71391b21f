package domain

import (
	"context"
	"time"
)

type EventDirection string

const (
	DirectionDelegate   EventDirection = "delegate"
	DirectionUndelegate EventDirection = "undelegate"
)

// DelegationEvent is an immutable, ledger-sourced record. The ledger's
// event log is the single source of truth; everything in the cache is
// derived from these and never authoritative.
type DelegationEvent struct {
	User        string         `json:"user"`
	Target      string         `json:"target"`
	Season      int64          `json:"season"`
	Amount      int64          `json:"amount"`
	Direction   EventDirection `json:"direction"`
	TxHash      string         `json:"tx_hash"`
	BlockHeight int64          `json:"block_height"`
	LogIndex    int64          `json:"log_index"`
	Timestamp   time.Time      `json:"timestamp"`
}

// SignedAmount folds the direction into the amount: delegate adds,
// undelegate subtracts.
func (e DelegationEvent) SignedAmount() int64 {
	if e.Direction == DirectionUndelegate {
		return -e.Amount
	}
	return e.Amount
}

// Validate rejects events that cannot be applied to the cache. Events that
// fail here are quarantined rather than guessed at.
func (e DelegationEvent) Validate() error {
	switch {
	case e.User == "":
		return NewValidationError("event missing user")
	case e.Target == "":
		return NewValidationError("event missing target")
	case e.Season <= 0:
		return NewValidationError("event missing season")
	case e.Amount <= 0:
		return NewValidationError("event amount must be positive")
	case e.BlockHeight <= 0:
		return NewValidationError("event missing block height")
	case e.Direction != DirectionDelegate && e.Direction != DirectionUndelegate:
		return NewValidationError("unknown event direction")
	}
	return nil
}

// CacheAggregate mirrors the per-(target, season) vote total derived from
// the event log up to LastSyncedBlock.
type CacheAggregate struct {
	Target            string    `json:"target"`
	Season            int64     `json:"season"`
	TotalVotes        int64     `json:"total_votes"`
	VoterCount        int64     `json:"voter_count"`
	FirstDelegationAt time.Time `json:"first_delegation_at"`
	LastSyncedBlock   int64     `json:"last_synced_block"`
	LastUpdatedAt     time.Time `json:"-"`
}

type UserDelegation struct {
	User           string `json:"user"`
	Target         string `json:"target"`
	Season         int64  `json:"season"`
	Amount         int64  `json:"amount"`
	Representative bool   `json:"representative,omitempty"`
}

// TieBreak selects how aggregates with equal vote totals are ordered,
// both in queries and in the leaderboard sort.
type TieBreak string

const (
	TieBreakFirstDelegation TieBreak = "first_delegation"
	TieBreakTargetID        TieBreak = "target_id"
)

// SyncCursor tracks how far a season's cache has been reconciled against
// the ledger head.
type SyncCursor struct {
	Season          int64
	LastSyncedBlock int64
	Stale           bool
	UpdatedAt       time.Time
}

// AggregateDelta is the in-memory fold of one sync tick, applied to the
// store as a single atomic unit.
type AggregateDelta struct {
	Target            string
	Season            int64
	VoteDelta         int64
	FirstDelegationAt time.Time
}

type UserDelegationDelta struct {
	User      string
	Target    string
	Season    int64
	VoteDelta int64
}

type CacheRepository interface {
	GetCursor(ctx context.Context, season int64) (SyncCursor, error)
	MarkStale(ctx context.Context, season int64, stale bool) error
	// ApplyDeltas lands all aggregate deltas, user-delegation deltas and
	// the cursor advance for one sync tick in a single transaction.
	ApplyDeltas(ctx context.Context, season int64, aggs []AggregateDelta, users []UserDelegationDelta, newBlock int64) error
	TopAggregates(ctx context.Context, season int64, limit int, tieBreak TieBreak) ([]CacheAggregate, error)
	// AggregatesForSeason returns every aggregate row for the season,
	// including zero and negative totals, for reconciliation passes.
	AggregatesForSeason(ctx context.Context, season int64) ([]CacheAggregate, error)
	GetAggregate(ctx context.Context, target string, season int64) (*CacheAggregate, error)
	UserDelegationsForTarget(ctx context.Context, target string, season int64) ([]UserDelegation, error)
	UserDelegationsForUser(ctx context.Context, user string, season int64) ([]UserDelegation, error)
	ReplaceRepresentative(ctx context.Context, season int64, rows []UserDelegation) error
	Stats(ctx context.Context) (map[string]interface{}, error)
}
