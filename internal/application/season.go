package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/config"
	"github.com/curalabs/season-rewards-service/pkg/logger"
	"github.com/curalabs/season-rewards-service/pkg/metrics"
)

// TransitionHook runs when a season ends, before the next one is marked
// active. The synchronizer's final reconciliation pass hangs off this.
type TransitionHook func(ctx context.Context, endedSeason int64)

// SeasonManager derives season boundaries from a fixed epoch and length.
// Boundary math is pure in (epoch, length, timestamp) so any two callers
// agree without coordination; only phase bookkeeping is stateful.
type SeasonManager struct {
	cfg     *config.Season
	clock   clockwork.Clock
	logger  *logger.Logger
	checker RunChecker
	onEnd   TransitionHook

	mu           sync.RWMutex
	phases       map[int64]domain.SeasonPhase
	finalized    map[int64]bool
	lastObserved int64

	stopCh  chan struct{}
	stopped sync.Once
}

// RunChecker reports whether a distribution run is in flight for a season.
// ForceTransition refuses to interrupt one.
type RunChecker interface {
	IsRunning(season int64) bool
}

func NewSeasonManager(cfg *config.Season, clock clockwork.Clock, checker RunChecker, log *logger.Logger) *SeasonManager {
	return &SeasonManager{
		cfg:       cfg,
		clock:     clock,
		logger:    log,
		checker:   checker,
		phases:    make(map[int64]domain.SeasonPhase),
		finalized: make(map[int64]bool),
		stopCh:    make(chan struct{}),
	}
}

// SetTransitionHook wires the season-end signal. Must be called before
// StartTransitionLoop.
func (m *SeasonManager) SetTransitionHook(hook TransitionHook) {
	m.onEnd = hook
}

// SeasonFor computes the 1-based season number containing ts. Pure.
func (m *SeasonManager) SeasonFor(ts time.Time) int64 {
	if ts.Before(m.cfg.Epoch) {
		return 0
	}
	return int64(ts.Sub(m.cfg.Epoch)/m.cfg.Length) + 1
}

// SeasonBoundaries returns the [start, end) window of season n. Pure.
func (m *SeasonManager) SeasonBoundaries(n int64) (time.Time, time.Time) {
	start := m.cfg.Epoch.Add(time.Duration(n-1) * m.cfg.Length)
	return start, start.Add(m.cfg.Length)
}

// CurrentSeason returns the season containing the clock's now, with its
// tracked phase. Exactly one season is active at a time.
func (m *SeasonManager) CurrentSeason() domain.Season {
	now := m.clock.Now()
	number := m.SeasonFor(now)
	start, end := m.SeasonBoundaries(number)

	m.mu.RLock()
	defer m.mu.RUnlock()

	phase := m.phaseLocked(number)
	return domain.Season{
		Number:    number,
		StartTime: start,
		EndTime:   end,
		Phase:     phase,
		IsActive:  phase == domain.PhaseActive,
		Finalized: m.finalized[number],
	}
}

// Season returns an arbitrary season's window and phase.
func (m *SeasonManager) Season(number int64) domain.Season {
	start, end := m.SeasonBoundaries(number)

	m.mu.RLock()
	defer m.mu.RUnlock()

	phase := m.phaseLocked(number)
	return domain.Season{
		Number:    number,
		StartTime: start,
		EndTime:   end,
		Phase:     phase,
		IsActive:  phase == domain.PhaseActive,
		Finalized: m.finalized[number],
	}
}

// phaseLocked derives the default phase from the clock when no explicit
// transition has been recorded: past seasons completed, the current one
// active, future ones preparing.
func (m *SeasonManager) phaseLocked(number int64) domain.SeasonPhase {
	if phase, ok := m.phases[number]; ok {
		return phase
	}
	current := m.SeasonFor(m.clock.Now())
	switch {
	case number < current:
		return domain.PhaseCompleted
	case number == current:
		return domain.PhaseActive
	default:
		return domain.PhasePreparing
	}
}

// ShouldTransition reports whether the boundary math has moved past the
// last season this manager closed out.
func (m *SeasonManager) ShouldTransition(now time.Time) bool {
	current := m.SeasonFor(now)

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lastObserved != 0 && current > m.lastObserved
}

// MarkFinalized freezes a completed season; all its entities are immutable
// from here on.
func (m *SeasonManager) MarkFinalized(season int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phaseLocked(season) != domain.PhaseCompleted {
		return domain.NewValidationError(fmt.Sprintf("season %d is not completed", season))
	}
	m.finalized[season] = true
	m.logger.Infow("Season finalized", "season", season)
	return nil
}

func (m *SeasonManager) advancePhase(season int64, next domain.SeasonPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.phaseLocked(season)
	if cur == next {
		return nil
	}
	if !cur.CanTransitionTo(next) {
		return domain.NewValidationError(fmt.Sprintf("season %d cannot transition %s -> %s", season, cur, next))
	}
	m.phases[season] = next
	return nil
}

// ForceTransition is the admin escape hatch: it pushes the season out of
// its current phase immediately. Refused while a distribution run for the
// season is in flight, and logged loudly as an emergency action.
func (m *SeasonManager) ForceTransition(ctx context.Context, season int64) error {
	if m.checker != nil && m.checker.IsRunning(season) {
		return fmt.Errorf("cannot force transition: %w", domain.ErrDistributionRunning)
	}

	m.mu.Lock()
	cur := m.phaseLocked(season)
	var next domain.SeasonPhase
	switch cur {
	case domain.PhasePreparing:
		next = domain.PhaseActive
	case domain.PhaseActive:
		next = domain.PhaseFinalizing
	case domain.PhaseFinalizing:
		next = domain.PhaseCompleted
	default:
		m.mu.Unlock()
		return domain.NewValidationError(fmt.Sprintf("season %d is already completed", season))
	}
	m.phases[season] = next
	m.mu.Unlock()

	metrics.ForcedTransitions.Inc()
	m.logger.Warnw("EMERGENCY: season phase transition forced",
		"season", season, "from", cur, "to", next)

	if next == domain.PhaseFinalizing && m.onEnd != nil {
		m.onEnd(ctx, season)
	}
	return nil
}

// StartTransitionLoop runs the periodic season-boundary check until Stop.
func (m *SeasonManager) StartTransitionLoop() {
	m.mu.Lock()
	if m.lastObserved == 0 {
		m.lastObserved = m.SeasonFor(m.clock.Now())
	}
	m.mu.Unlock()

	go func() {
		ticker := m.clock.NewTicker(m.cfg.TransitionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				m.checkTransition()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Infow("Season transition loop started", "interval", m.cfg.TransitionInterval)
}

func (m *SeasonManager) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
}

// checkTransition closes out every season the clock has crossed since the
// last tick: each ended season moves to finalizing, the hook runs its
// final reconciliation pass, then the season completes. A long stall or a
// downtime spanning multiple boundaries still gives every skipped season
// its own finalization.
func (m *SeasonManager) checkTransition() {
	now := m.clock.Now()
	current := m.SeasonFor(now)

	m.mu.Lock()
	first := m.lastObserved
	if first == 0 || current <= first {
		m.lastObserved = current
		m.mu.Unlock()
		return
	}
	m.lastObserved = current
	for ended := first; ended < current; ended++ {
		m.phases[ended] = domain.PhaseFinalizing
	}
	m.mu.Unlock()

	for ended := first; ended < current; ended++ {
		m.logger.Infow("Season ended, finalizing", "season", ended, "next", current)

		if m.onEnd != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			m.onEnd(ctx, ended)
			cancel()
		}

		if err := m.advancePhase(ended, domain.PhaseCompleted); err != nil {
			m.logger.Errorw("Failed to complete season", "season", ended, "error", err)
		}
	}
}
