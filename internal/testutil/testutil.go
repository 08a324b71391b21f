package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// CreateTestEvent creates a delegation event with default values
func CreateTestEvent(t *testing.T) domain.DelegationEvent {
	t.Helper()
	return domain.DelegationEvent{
		User:        "user-alice",
		Target:      "target-article-1",
		Season:      1,
		Amount:      100,
		Direction:   domain.DirectionDelegate,
		TxHash:      "0xabc123",
		BlockHeight: 1000,
		LogIndex:    0,
		Timestamp:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

// CreateTestEvents creates count delegation events at consecutive blocks
func CreateTestEvents(t *testing.T, count int) []domain.DelegationEvent {
	t.Helper()
	events := make([]domain.DelegationEvent, count)
	for i := 0; i < count; i++ {
		events[i] = CreateTestEvent(t)
		events[i].User = fmt.Sprintf("user-%d", i)
		events[i].TxHash = fmt.Sprintf("0xtx%d", i)
		events[i].BlockHeight = int64(1000 + i)
		events[i].Timestamp = events[i].Timestamp.Add(time.Duration(i) * time.Minute)
	}
	return events
}

// CreateTestAggregate creates a cache aggregate with default values
func CreateTestAggregate(target string, season, votes int64) domain.CacheAggregate {
	return domain.CacheAggregate{
		Target:            target,
		Season:            season,
		TotalVotes:        votes,
		VoterCount:        1,
		FirstDelegationAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		LastSyncedBlock:   1000,
	}
}

// CreateTestDistribution creates a pending distribution row
func CreateTestDistribution(season int64, recipient string, amount int64) domain.Distribution {
	return domain.Distribution{
		ID:        fmt.Sprintf("row-%d-%s", season, recipient),
		Season:    season,
		Recipient: recipient,
		Kind:      domain.RecipientSupporter,
		Amount:    amount,
		Status:    domain.DistributionPending,
	}
}

// AssertProgressEqual asserts the counting fields of two progress snapshots
func AssertProgressEqual(t *testing.T, expected, actual domain.ExecutionProgress) {
	t.Helper()
	require.Equal(t, expected.Processed, actual.Processed)
	require.Equal(t, expected.Successful, actual.Successful)
	require.Equal(t, expected.Failed, actual.Failed)
	require.Equal(t, expected.Status, actual.Status)
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within timeout of %v", timeout)
}

// TestContext creates a test context with timeout
func TestContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// MockCacheRepository is a mock implementation of CacheRepository
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) GetCursor(ctx context.Context, season int64) (domain.SyncCursor, error) {
	args := m.Called(ctx, season)
	return args.Get(0).(domain.SyncCursor), args.Error(1)
}

func (m *MockCacheRepository) MarkStale(ctx context.Context, season int64, stale bool) error {
	args := m.Called(ctx, season, stale)
	return args.Error(0)
}

func (m *MockCacheRepository) ApplyDeltas(ctx context.Context, season int64, aggs []domain.AggregateDelta, users []domain.UserDelegationDelta, newBlock int64) error {
	args := m.Called(ctx, season, aggs, users, newBlock)
	return args.Error(0)
}

func (m *MockCacheRepository) TopAggregates(ctx context.Context, season int64, limit int, tieBreak domain.TieBreak) ([]domain.CacheAggregate, error) {
	args := m.Called(ctx, season, limit, tieBreak)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CacheAggregate), args.Error(1)
}

func (m *MockCacheRepository) AggregatesForSeason(ctx context.Context, season int64) ([]domain.CacheAggregate, error) {
	args := m.Called(ctx, season)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CacheAggregate), args.Error(1)
}

func (m *MockCacheRepository) GetAggregate(ctx context.Context, target string, season int64) (*domain.CacheAggregate, error) {
	args := m.Called(ctx, target, season)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CacheAggregate), args.Error(1)
}

func (m *MockCacheRepository) UserDelegationsForTarget(ctx context.Context, target string, season int64) ([]domain.UserDelegation, error) {
	args := m.Called(ctx, target, season)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.UserDelegation), args.Error(1)
}

func (m *MockCacheRepository) UserDelegationsForUser(ctx context.Context, user string, season int64) ([]domain.UserDelegation, error) {
	args := m.Called(ctx, user, season)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.UserDelegation), args.Error(1)
}

func (m *MockCacheRepository) ReplaceRepresentative(ctx context.Context, season int64, rows []domain.UserDelegation) error {
	args := m.Called(ctx, season, rows)
	return args.Error(0)
}

func (m *MockCacheRepository) Stats(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

// MockLedgerGateway is a mock implementation of LedgerGateway
type MockLedgerGateway struct {
	mock.Mock
}

func (m *MockLedgerGateway) CurrentSeasonNumber(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedgerGateway) SeasonWindow(ctx context.Context, season int64) (time.Time, time.Time, error) {
	args := m.Called(ctx, season)
	return args.Get(0).(time.Time), args.Get(1).(time.Time), args.Error(2)
}

func (m *MockLedgerGateway) VotingPower(ctx context.Context, user string) (int64, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedgerGateway) HeadBlock(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedgerGateway) Events(ctx context.Context, fromBlock, toBlock int64) ([]domain.DelegationEvent, error) {
	args := m.Called(ctx, fromBlock, toBlock)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.DelegationEvent), args.Error(1)
}

func (m *MockLedgerGateway) TargetOwner(ctx context.Context, target string) (string, error) {
	args := m.Called(ctx, target)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerGateway) SubmitTransfer(ctx context.Context, recipient string, amount int64) (string, error) {
	args := m.Called(ctx, recipient, amount)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerGateway) SubmitDelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	args := m.Called(ctx, user, target, amount)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerGateway) SubmitUndelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	args := m.Called(ctx, user, target, amount)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerGateway) AwaitConfirmation(ctx context.Context, txHash string) (domain.TxReceipt, error) {
	args := m.Called(ctx, txHash)
	return args.Get(0).(domain.TxReceipt), args.Error(1)
}

// MockDistributionRepository is a mock implementation of DistributionRepository
type MockDistributionRepository struct {
	mock.Mock
}

func (m *MockDistributionRepository) CreateBatch(ctx context.Context, rows []domain.Distribution) error {
	args := m.Called(ctx, rows)
	return args.Error(0)
}

func (m *MockDistributionRepository) FindBySeason(ctx context.Context, season int64) ([]domain.Distribution, error) {
	args := m.Called(ctx, season)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Distribution), args.Error(1)
}

func (m *MockDistributionRepository) MarkSent(ctx context.Context, id string, txHash string) error {
	args := m.Called(ctx, id, txHash)
	return args.Error(0)
}

func (m *MockDistributionRepository) MarkConfirmed(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDistributionRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockDistributionRepository) TryAdvisoryLock(ctx context.Context, season int64) (bool, error) {
	args := m.Called(ctx, season)
	return args.Bool(0), args.Error(1)
}

func (m *MockDistributionRepository) ReleaseAdvisoryLock(ctx context.Context, season int64) error {
	args := m.Called(ctx, season)
	return args.Error(0)
}
