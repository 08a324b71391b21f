package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelegationEvent_SignedAmount(t *testing.T) {
	delegate := DelegationEvent{Amount: 100, Direction: DirectionDelegate}
	undelegate := DelegationEvent{Amount: 100, Direction: DirectionUndelegate}

	assert.Equal(t, int64(100), delegate.SignedAmount())
	assert.Equal(t, int64(-100), undelegate.SignedAmount())
}

func TestDelegationEvent_Validate(t *testing.T) {
	valid := DelegationEvent{
		User:        "user-alice",
		Target:      "target-1",
		Season:      1,
		Amount:      100,
		Direction:   DirectionDelegate,
		BlockHeight: 1000,
		Timestamp:   time.Now(),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(e *DelegationEvent)
	}{
		{"missing user", func(e *DelegationEvent) { e.User = "" }},
		{"missing target", func(e *DelegationEvent) { e.Target = "" }},
		{"missing season", func(e *DelegationEvent) { e.Season = 0 }},
		{"zero amount", func(e *DelegationEvent) { e.Amount = 0 }},
		{"negative amount", func(e *DelegationEvent) { e.Amount = -5 }},
		{"missing block height", func(e *DelegationEvent) { e.BlockHeight = 0 }},
		{"unknown direction", func(e *DelegationEvent) { e.Direction = "burn" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := valid
			tt.mutate(&event)
			err := event.Validate()
			require.Error(t, err)

			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestRewardCalculation_TotalPayout(t *testing.T) {
	calc := RewardCalculation{
		PoolSize: 2100,
		PerRank: []RankReward{
			{Total: 1050},
			{Total: 630},
			{Total: 420},
		},
	}
	assert.Equal(t, int64(2100), calc.TotalPayout())
}

func TestRewardCalculation_Recipients_MergesDuplicates(t *testing.T) {
	calc := RewardCalculation{
		PerRank: []RankReward{
			{
				Creator:       "creator-a",
				CreatorReward: 600,
				Supporters: []SupporterReward{
					{User: "user-1", Amount: 250},
					{User: "user-2", Amount: 150},
				},
			},
			{
				Creator:       "creator-b",
				CreatorReward: 300,
				Supporters: []SupporterReward{
					// creator-a also supported the rank 2 target
					{User: "creator-a", Amount: 100},
					{User: "user-zero", Amount: 0},
				},
			},
		},
	}

	payouts := calc.Recipients()
	require.Len(t, payouts, 4)

	byRecipient := make(map[string]Payout)
	for _, p := range payouts {
		byRecipient[p.Recipient] = p
	}
	assert.Equal(t, int64(700), byRecipient["creator-a"].Amount)
	// creator-a's supporter share folds into the creator row
	assert.Equal(t, RecipientCreator, byRecipient["creator-a"].Kind)
	assert.Equal(t, int64(250), byRecipient["user-1"].Amount)
	assert.Equal(t, RecipientSupporter, byRecipient["user-1"].Kind)
	assert.Equal(t, int64(150), byRecipient["user-2"].Amount)
	assert.Equal(t, int64(300), byRecipient["creator-b"].Amount)
	assert.Equal(t, RecipientCreator, byRecipient["creator-b"].Kind)
	assert.NotContains(t, byRecipient, "user-zero")
}

func TestSeasonPhase_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    SeasonPhase
		to      SeasonPhase
		allowed bool
	}{
		{PhasePreparing, PhaseActive, true},
		{PhaseActive, PhaseFinalizing, true},
		{PhaseFinalizing, PhaseCompleted, true},
		{PhaseActive, PhaseCompleted, false},
		{PhaseCompleted, PhaseActive, false},
		{PhaseFinalizing, PhaseActive, false},
		{PhasePreparing, PhaseCompleted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestDistribution_JSONHidesInternalFields(t *testing.T) {
	row := Distribution{
		ID:        "some-uuid",
		Season:    3,
		Recipient: "user-alice",
		Kind:      RecipientSupporter,
		Amount:    500,
		Status:    DistributionConfirmed,
		UpdatedAt: time.Now(),
	}

	data, err := json.Marshal(row)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.NotContains(t, fields, "id")
	assert.NotContains(t, fields, "updated_at")
	assert.Equal(t, "user-alice", fields["recipient"])
	assert.Equal(t, float64(500), fields["amount"])
}
