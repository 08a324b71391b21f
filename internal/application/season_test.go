package application

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
	"github.com/curalabs/season-rewards-service/internal/testutil"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testSeasonConfig() *config.Season {
	return &config.Season{
		Epoch:               testEpoch,
		Length:              168 * time.Hour,
		TransitionInterval:  time.Minute,
		StaleBlockTolerance: 100,
		FreshnessThreshold:  10 * time.Minute,
		MinDelegation:       1,
	}
}

type stubChecker struct {
	running bool
}

func (c *stubChecker) IsRunning(season int64) bool {
	return c.running
}

func newTestSeasonManager(t *testing.T, now time.Time, checker RunChecker) (*SeasonManager, *clockwork.FakeClock) {
	t.Helper()
	log, err := logger.New("debug", "test")
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(now)
	return NewSeasonManager(testSeasonConfig(), clock, checker, log), clock
}

func TestSeasonManager_SeasonFor(t *testing.T) {
	m, _ := newTestSeasonManager(t, testEpoch, nil)

	tests := []struct {
		name     string
		ts       time.Time
		expected int64
	}{
		{"before epoch", testEpoch.Add(-time.Hour), 0},
		{"at epoch", testEpoch, 1},
		{"mid first season", testEpoch.Add(100 * time.Hour), 1},
		{"last instant of first season", testEpoch.Add(168*time.Hour - time.Nanosecond), 1},
		{"first instant of second season", testEpoch.Add(168 * time.Hour), 2},
		{"tenth season", testEpoch.Add(9 * 168 * time.Hour), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.SeasonFor(tt.ts))
		})
	}
}

func TestSeasonManager_SeasonBoundaries(t *testing.T) {
	m, _ := newTestSeasonManager(t, testEpoch, nil)

	start, end := m.SeasonBoundaries(1)
	assert.True(t, start.Equal(testEpoch))
	assert.True(t, end.Equal(testEpoch.Add(168*time.Hour)))

	// Windows are contiguous: season n ends exactly where n+1 starts.
	for n := int64(1); n < 5; n++ {
		_, endN := m.SeasonBoundaries(n)
		startNext, _ := m.SeasonBoundaries(n + 1)
		assert.True(t, endN.Equal(startNext), "season %d", n)
		assert.Equal(t, n, m.SeasonFor(endN.Add(-time.Nanosecond)))
		assert.Equal(t, n+1, m.SeasonFor(endN))
	}
}

func TestSeasonManager_CurrentSeason(t *testing.T) {
	m, _ := newTestSeasonManager(t, testEpoch.Add(200*time.Hour), nil)

	current := m.CurrentSeason()
	assert.Equal(t, int64(2), current.Number)
	assert.Equal(t, domain.PhaseActive, current.Phase)
	assert.True(t, current.IsActive)

	past := m.Season(1)
	assert.Equal(t, domain.PhaseCompleted, past.Phase)
	assert.False(t, past.IsActive)

	future := m.Season(3)
	assert.Equal(t, domain.PhasePreparing, future.Phase)
	assert.False(t, future.IsActive)
}

func TestSeasonManager_ForceTransition(t *testing.T) {
	m, _ := newTestSeasonManager(t, testEpoch.Add(100*time.Hour), nil)

	var hookSeason int64
	m.SetTransitionHook(func(ctx context.Context, endedSeason int64) {
		hookSeason = endedSeason
	})

	// active -> finalizing fires the season-end hook
	require.NoError(t, m.ForceTransition(context.Background(), 1))
	assert.Equal(t, domain.PhaseFinalizing, m.Season(1).Phase)
	assert.Equal(t, int64(1), hookSeason)

	// finalizing -> completed
	require.NoError(t, m.ForceTransition(context.Background(), 1))
	assert.Equal(t, domain.PhaseCompleted, m.Season(1).Phase)

	// completed seasons stay completed
	err := m.ForceTransition(context.Background(), 1)
	require.Error(t, err)

	var validationErr *domain.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestSeasonManager_ForceTransition_RefusedWhileDistributionRuns(t *testing.T) {
	checker := &stubChecker{running: true}
	m, _ := newTestSeasonManager(t, testEpoch.Add(100*time.Hour), checker)

	err := m.ForceTransition(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDistributionRunning)
	assert.Equal(t, domain.PhaseActive, m.Season(1).Phase)

	checker.running = false
	require.NoError(t, m.ForceTransition(context.Background(), 1))
}

func TestSeasonManager_MarkFinalized(t *testing.T) {
	m, _ := newTestSeasonManager(t, testEpoch.Add(200*time.Hour), nil)

	require.NoError(t, m.MarkFinalized(1))
	assert.True(t, m.Season(1).Finalized)

	err := m.MarkFinalized(2)
	require.Error(t, err)
	assert.False(t, m.Season(2).Finalized)
}

func TestSeasonManager_TransitionLoop(t *testing.T) {
	m, clock := newTestSeasonManager(t, testEpoch.Add(100*time.Hour), nil)

	hookCh := make(chan int64, 1)
	m.SetTransitionHook(func(ctx context.Context, endedSeason int64) {
		hookCh <- endedSeason
	})

	m.StartTransitionLoop()
	defer m.Stop()
	clock.BlockUntil(1)

	assert.False(t, m.ShouldTransition(clock.Now()))

	// Cross the season 1 boundary and let the ticker fire.
	clock.Advance(69 * time.Hour)

	select {
	case ended := <-hookCh:
		assert.Equal(t, int64(1), ended)
	case <-time.After(5 * time.Second):
		t.Fatal("transition hook never fired")
	}

	testutil.WaitForCondition(t, 5*time.Second, func() bool {
		return m.Season(1).Phase == domain.PhaseCompleted
	})
	assert.Equal(t, int64(2), m.CurrentSeason().Number)
	assert.Equal(t, domain.PhaseActive, m.CurrentSeason().Phase)
	assert.False(t, m.ShouldTransition(clock.Now()))
}

// TestSeasonManager_TransitionLoop_CatchesUpAcrossMultipleBoundaries covers
// a stall spanning several season boundaries: every skipped season must get
// its own finalizing hook, in order, not just the last one observed.
func TestSeasonManager_TransitionLoop_CatchesUpAcrossMultipleBoundaries(t *testing.T) {
	m, clock := newTestSeasonManager(t, testEpoch.Add(100*time.Hour), nil)

	hookCh := make(chan int64, 4)
	m.SetTransitionHook(func(ctx context.Context, endedSeason int64) {
		hookCh <- endedSeason
	})

	m.StartTransitionLoop()
	defer m.Stop()
	clock.BlockUntil(1)

	// Jump from mid-season 1 straight into season 4: one tick observes
	// three crossed boundaries.
	clock.Advance(3 * 168 * time.Hour)

	for _, want := range []int64{1, 2, 3} {
		select {
		case ended := <-hookCh:
			assert.Equal(t, want, ended)
		case <-time.After(5 * time.Second):
			t.Fatalf("hook never fired for season %d", want)
		}
	}

	testutil.WaitForCondition(t, 5*time.Second, func() bool {
		return m.Season(1).Phase == domain.PhaseCompleted &&
			m.Season(2).Phase == domain.PhaseCompleted &&
			m.Season(3).Phase == domain.PhaseCompleted
	})
	assert.Equal(t, int64(4), m.CurrentSeason().Number)
	assert.Equal(t, domain.PhaseActive, m.CurrentSeason().Phase)
}
