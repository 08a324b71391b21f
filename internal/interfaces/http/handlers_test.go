package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

type MockSeasonService struct {
	mock.Mock
}

func (m *MockSeasonService) CurrentSeason() domain.Season {
	args := m.Called()
	return args.Get(0).(domain.Season)
}

func (m *MockSeasonService) SeasonBoundaries(number int64) (time.Time, time.Time) {
	args := m.Called(number)
	return args.Get(0).(time.Time), args.Get(1).(time.Time)
}

func (m *MockSeasonService) SeasonFor(ts time.Time) int64 {
	args := m.Called(ts)
	return args.Get(0).(int64)
}

func (m *MockSeasonService) ShouldTransition(now time.Time) bool {
	args := m.Called(now)
	return args.Bool(0)
}

func (m *MockSeasonService) ForceTransition(ctx context.Context, season int64) error {
	args := m.Called(ctx, season)
	return args.Error(0)
}

type MockDelegationService struct {
	mock.Mock
}

func (m *MockDelegationService) SubmitDelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	args := m.Called(ctx, user, target, amount)
	return args.String(0), args.Error(1)
}

func (m *MockDelegationService) SubmitUndelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	args := m.Called(ctx, user, target, amount)
	return args.String(0), args.Error(1)
}

func (m *MockDelegationService) AvailablePower(ctx context.Context, user string) (int64, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDelegationService) ValidateSeason(ctx context.Context, season int64) (*domain.SeasonValidation, error) {
	args := m.Called(ctx, season)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SeasonValidation), args.Error(1)
}

func (m *MockDelegationService) Stats(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

type MockRankingService struct {
	mock.Mock
}

func (m *MockRankingService) Leaderboard(ctx context.Context, season int64, limit int) ([]domain.LeaderboardEntry, error) {
	args := m.Called(ctx, season, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LeaderboardEntry), args.Error(1)
}

type MockRewardService struct {
	mock.Mock
}

func (m *MockRewardService) Calculate(ctx context.Context, season, poolSize int64, topN int) (*domain.RewardCalculation, error) {
	args := m.Called(ctx, season, poolSize, topN)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RewardCalculation), args.Error(1)
}

type MockDistributionService struct {
	mock.Mock
}

func (m *MockDistributionService) StartDistribution(ctx context.Context, season, poolSize int64) (*domain.ExecutionProgress, error) {
	args := m.Called(ctx, season, poolSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExecutionProgress), args.Error(1)
}

func (m *MockDistributionService) Progress(ctx context.Context, season int64) (*domain.ExecutionProgress, error) {
	args := m.Called(ctx, season)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExecutionProgress), args.Error(1)
}

func (m *MockDistributionService) IsRunning(season int64) bool {
	args := m.Called(season)
	return args.Bool(0)
}

type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) RebuildRepresentative(ctx context.Context, season int64) error {
	args := m.Called(ctx, season)
	return args.Error(0)
}

type testMocks struct {
	seasons      *MockSeasonService
	delegations  *MockDelegationService
	ranking      *MockRankingService
	rewards      *MockRewardService
	distribution *MockDistributionService
	sync         *MockSyncService
}

func setupTestRouter(t *testing.T) (*gin.Engine, *testMocks) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New("debug", "test")
	require.NoError(t, err)

	m := &testMocks{
		seasons:      new(MockSeasonService),
		delegations:  new(MockDelegationService),
		ranking:      new(MockRankingService),
		rewards:      new(MockRewardService),
		distribution: new(MockDistributionService),
		sync:         new(MockSyncService),
	}
	router := NewRouter(m.seasons, m.delegations, m.ranking, m.rewards, m.distribution, m.sync, log)
	return router, m
}

func performRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetCurrentSeason(t *testing.T) {
	router, m := setupTestRouter(t)

	m.seasons.On("CurrentSeason").Return(domain.Season{
		Number:   3,
		Phase:    domain.PhaseActive,
		IsActive: true,
	})

	w := performRequest(router, http.MethodGet, "/seasons/current", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var season domain.Season
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &season))
	assert.Equal(t, int64(3), season.Number)
	assert.True(t, season.IsActive)
}

func TestGetLeaderboard(t *testing.T) {
	router, m := setupTestRouter(t)

	m.ranking.On("Leaderboard", mock.Anything, int64(1), 10).Return([]domain.LeaderboardEntry{
		{Rank: 1, Target: "target-a", TotalVotes: 500},
		{Rank: 2, Target: "target-b", TotalVotes: 300},
	}, nil)

	w := performRequest(router, http.MethodGet, "/seasons/1/leaderboard", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Season int64                     `json:"season"`
		Data   []domain.LeaderboardEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Season)
	require.Len(t, response.Data, 2)
	assert.Equal(t, "target-a", response.Data[0].Target)
}

func TestGetLeaderboard_LimitValidation(t *testing.T) {
	router, m := setupTestRouter(t)

	m.ranking.On("Leaderboard", mock.Anything, int64(1), 5).Return([]domain.LeaderboardEntry{}, nil)

	w := performRequest(router, http.MethodGet, "/seasons/1/leaderboard?limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, bad := range []string{"0", "101", "abc", "-3"} {
		w := performRequest(router, http.MethodGet, "/seasons/1/leaderboard?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", bad)
	}
}

func TestGetLeaderboard_InvalidSeason(t *testing.T) {
	router, _ := setupTestRouter(t)

	for _, bad := range []string{"0", "-1", "abc"} {
		w := performRequest(router, http.MethodGet, "/seasons/"+bad+"/leaderboard", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "season=%s", bad)
	}
}

func TestCalculateRewards(t *testing.T) {
	router, m := setupTestRouter(t)

	m.rewards.On("Calculate", mock.Anything, int64(2), int64(2100), 0).Return(&domain.RewardCalculation{
		Season:   2,
		PoolSize: 2100,
		PerRank:  []domain.RankReward{{Rank: 1, Target: "target-a", Total: 2100}},
	}, nil)

	w := performRequest(router, http.MethodPost, "/seasons/2/rewards/calculate",
		map[string]interface{}{"pool_size": 2100})
	assert.Equal(t, http.StatusOK, w.Code)

	var calc domain.RewardCalculation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &calc))
	assert.Equal(t, int64(2100), calc.PoolSize)
}

func TestCalculateRewards_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"insufficient data", &domain.InsufficientDataError{Season: 2, Requested: 3, Available: 1}, http.StatusUnprocessableEntity},
		{"stale cache", &domain.StaleCacheError{Season: 2, SyncedBlock: 100, HeadBlock: 400}, http.StatusConflict},
		{"ledger down", &domain.LedgerUnavailableError{Op: "TargetOwner", Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{"validation", domain.NewValidationError("bad input"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, m := setupTestRouter(t)
			m.rewards.On("Calculate", mock.Anything, int64(2), int64(2100), 0).Return(nil, tt.err)

			w := performRequest(router, http.MethodPost, "/seasons/2/rewards/calculate",
				map[string]interface{}{"pool_size": 2100})
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestCalculateRewards_MissingPoolSize(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := performRequest(router, http.MethodPost, "/seasons/2/rewards/calculate",
		map[string]interface{}{"top_n": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartDistribution(t *testing.T) {
	router, m := setupTestRouter(t)

	m.distribution.On("StartDistribution", mock.Anything, int64(2), int64(2100)).Return(&domain.ExecutionProgress{
		Season:          2,
		TotalRecipients: 45,
		TotalBatches:    3,
		Status:          domain.ExecutionInProgress,
	}, nil)

	w := performRequest(router, http.MethodPost, "/seasons/2/distribution/start",
		map[string]interface{}{"pool_size": 2100})
	assert.Equal(t, http.StatusAccepted, w.Code)

	var progress domain.ExecutionProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, domain.ExecutionInProgress, progress.Status)
	assert.Equal(t, 45, progress.TotalRecipients)
}

func TestStartDistribution_AlreadyRunning(t *testing.T) {
	router, m := setupTestRouter(t)

	m.distribution.On("StartDistribution", mock.Anything, int64(2), int64(0)).
		Return(nil, domain.ErrDistributionRunning)

	w := performRequest(router, http.MethodPost, "/seasons/2/distribution/start",
		map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetProgress(t *testing.T) {
	router, m := setupTestRouter(t)

	m.distribution.On("Progress", mock.Anything, int64(2)).Return(&domain.ExecutionProgress{
		Season:          2,
		TotalRecipients: 45,
		Processed:       40,
		Successful:      20,
		Failed:          20,
		Status:          domain.ExecutionInProgress,
	}, nil)

	w := performRequest(router, http.MethodGet, "/seasons/2/distribution/progress", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var progress domain.ExecutionProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, 40, progress.Processed)
	assert.Equal(t, 20, progress.Failed)
}

func TestForceTransition(t *testing.T) {
	router, m := setupTestRouter(t)

	m.seasons.On("ForceTransition", mock.Anything, int64(2)).Return(nil)

	w := performRequest(router, http.MethodPost, "/seasons/2/force-transition", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestForceTransition_DistributionRunning(t *testing.T) {
	router, m := setupTestRouter(t)

	m.seasons.On("ForceTransition", mock.Anything, int64(2)).Return(domain.ErrDistributionRunning)

	w := performRequest(router, http.MethodPost, "/seasons/2/force-transition", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRebuildRepresentative(t *testing.T) {
	router, m := setupTestRouter(t)

	m.sync.On("RebuildRepresentative", mock.Anything, int64(2)).Return(nil)

	w := performRequest(router, http.MethodPost, "/seasons/2/rebuild-representative", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["rebuilt"])
	m.sync.AssertCalled(t, "RebuildRepresentative", mock.Anything, int64(2))
}

func TestRebuildRepresentative_NothingToRebuild(t *testing.T) {
	router, m := setupTestRouter(t)

	m.sync.On("RebuildRepresentative", mock.Anything, int64(9)).
		Return(domain.NewValidationError("no aggregates known for season 9, nothing to rebuild"))

	w := performRequest(router, http.MethodPost, "/seasons/9/rebuild-representative", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitDelegation(t *testing.T) {
	router, m := setupTestRouter(t)

	m.delegations.On("SubmitDelegation", mock.Anything, "user-alice", "target-a", int64(30)).
		Return("0xabc", nil)

	w := performRequest(router, http.MethodPost, "/delegations",
		map[string]interface{}{"user": "user-alice", "target": "target-a", "amount": 30})
	assert.Equal(t, http.StatusAccepted, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "0xabc", response["tx_hash"])
}

func TestSubmitDelegation_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"insufficient power", &domain.InsufficientPowerError{User: "user-alice", Requested: 50, Available: 30}, http.StatusUnprocessableEntity},
		{"self delegation", &domain.SelfDelegationError{User: "user-alice", Target: "target-own"}, http.StatusUnprocessableEntity},
		{"validation", domain.NewValidationError("amount below minimum"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, m := setupTestRouter(t)
			m.delegations.On("SubmitDelegation", mock.Anything, "user-alice", "target-a", int64(50)).
				Return("", tt.err)

			w := performRequest(router, http.MethodPost, "/delegations",
				map[string]interface{}{"user": "user-alice", "target": "target-a", "amount": 50})
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestSubmitDelegation_MissingFields(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := performRequest(router, http.MethodPost, "/delegations",
		map[string]interface{}{"user": "user-alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAvailablePower(t *testing.T) {
	router, m := setupTestRouter(t)

	m.delegations.On("AvailablePower", mock.Anything, "user-alice").Return(int64(30), nil)

	w := performRequest(router, http.MethodGet, "/users/user-alice/available-power", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(30), response["available_power"])
}

func TestValidateSeasonEndpoint(t *testing.T) {
	router, m := setupTestRouter(t)

	m.delegations.On("ValidateSeason", mock.Anything, int64(1)).Return(&domain.SeasonValidation{
		Season:        1,
		CanProceed:    false,
		Discrepancies: []string{"cache is marked stale; force a resync before finalizing"},
	}, nil)

	w := performRequest(router, http.MethodGet, "/seasons/1/validate", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var report domain.SeasonValidation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.CanProceed)
	require.Len(t, report.Discrepancies, 1)
}

func TestHealthEndpoints(t *testing.T) {
	router, m := setupTestRouter(t)

	m.delegations.On("Stats", mock.Anything).Return(map[string]interface{}{"total_targets": 3}, nil)

	for _, path := range []string{"/health", "/ready"} {
		w := performRequest(router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestHealthEndpoints_Unhealthy(t *testing.T) {
	router, m := setupTestRouter(t)

	m.delegations.On("Stats", mock.Anything).Return(nil, context.DeadlineExceeded)

	w := performRequest(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
