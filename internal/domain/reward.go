package domain

import (
	"context"
	"time"
)

// RewardCalculation is the full distribution plan for one finalization
// attempt. It is recomputed, never mutated, and a recompute against an
// unchanged cache must produce identical output.
type RewardCalculation struct {
	Season            int64        `json:"season"`
	PoolSize          int64        `json:"pool_size"`
	CreatorShareBps   int64        `json:"creator_share_bps"`
	SupporterShareBps int64        `json:"supporter_share_bps"`
	PerRank           []RankReward `json:"per_rank"`
}

// TotalPayout sums every rank total. The calculator guarantees this equals
// PoolSize exactly.
func (rc RewardCalculation) TotalPayout() int64 {
	var sum int64
	for _, r := range rc.PerRank {
		sum += r.Total
	}
	return sum
}

// Recipients flattens the plan into one payout per recipient, merged by
// amount. A creator who also supported keeps the kind of their first
// appearance, so a merged creator+supporter payout stays a creator row.
func (rc RewardCalculation) Recipients() []Payout {
	merged := make(map[string]*Payout)
	var order []string
	add := func(recipient string, amount int64, kind RecipientKind) {
		if amount <= 0 {
			return
		}
		p, seen := merged[recipient]
		if !seen {
			order = append(order, recipient)
			merged[recipient] = &Payout{Recipient: recipient, Amount: amount, Kind: kind}
			return
		}
		p.Amount += amount
	}
	for _, rank := range rc.PerRank {
		add(rank.Creator, rank.CreatorReward, RecipientCreator)
		for _, s := range rank.Supporters {
			add(s.User, s.Amount, RecipientSupporter)
		}
	}
	payouts := make([]Payout, 0, len(order))
	for _, recipient := range order {
		payouts = append(payouts, *merged[recipient])
	}
	return payouts
}

type RankReward struct {
	Rank           int               `json:"rank"`
	Target         string            `json:"target"`
	Creator        string            `json:"creator"`
	TotalVotes     int64             `json:"total_votes"`
	WeightBps      int64             `json:"weight_bps"`
	Total          int64             `json:"total"`
	CreatorReward  int64             `json:"creator_reward"`
	SupporterPool  int64             `json:"supporter_pool"`
	Supporters     []SupporterReward `json:"supporters"`
	Representative bool              `json:"representative,omitempty"`
}

type SupporterReward struct {
	User   string `json:"user"`
	Amount int64  `json:"amount"`
}

type Payout struct {
	Recipient string        `json:"recipient"`
	Amount    int64         `json:"amount"`
	Kind      RecipientKind `json:"kind"`
}

type DistributionStatus string

const (
	DistributionPending   DistributionStatus = "pending"
	DistributionSent      DistributionStatus = "sent"
	DistributionConfirmed DistributionStatus = "confirmed"
	DistributionFailed    DistributionStatus = "failed"
)

type RecipientKind string

const (
	RecipientCreator   RecipientKind = "creator"
	RecipientSupporter RecipientKind = "supporter"
)

// Distribution is one recipient's payout row for a season. Rows are
// created once per (season, recipient) and only the executor mutates them.
type Distribution struct {
	ID        string             `json:"-" db:"id"`
	Season    int64              `json:"season" db:"season"`
	Recipient string             `json:"recipient" db:"recipient"`
	Kind      RecipientKind      `json:"kind" db:"kind"`
	Amount    int64              `json:"amount" db:"amount"`
	Status    DistributionStatus `json:"status" db:"status"`
	TxHash    string             `json:"tx_hash,omitempty" db:"tx_hash"`
	Error     string             `json:"error,omitempty" db:"error"`
	Attempts  int                `json:"attempts" db:"attempts"`
	UpdatedAt time.Time          `json:"-" db:"updated_at"`
}

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

type ExecutionProgress struct {
	Season          int64           `json:"season"`
	TotalRecipients int             `json:"total_recipients"`
	Processed       int             `json:"processed"`
	Successful      int             `json:"successful"`
	Failed          int             `json:"failed"`
	CurrentBatch    int             `json:"current_batch"`
	TotalBatches    int             `json:"total_batches"`
	Status          ExecutionStatus `json:"status"`
}

type DistributionRepository interface {
	CreateBatch(ctx context.Context, rows []Distribution) error
	FindBySeason(ctx context.Context, season int64) ([]Distribution, error)
	MarkSent(ctx context.Context, id string, txHash string) error
	MarkConfirmed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	// TryAdvisoryLock takes the per-season executor lock without blocking;
	// the paired unlock releases it on the same connection.
	TryAdvisoryLock(ctx context.Context, season int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, season int64) error
}
