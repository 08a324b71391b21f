package domain

import (
	"context"
	"time"
)

type SeasonPhase string

const (
	PhasePreparing  SeasonPhase = "preparing"
	PhaseActive     SeasonPhase = "active"
	PhaseFinalizing SeasonPhase = "finalizing"
	PhaseCompleted  SeasonPhase = "completed"
)

// CanTransitionTo reports whether the phase may advance to next. Phases
// only move forward; a completed season never reactivates.
func (p SeasonPhase) CanTransitionTo(next SeasonPhase) bool {
	order := map[SeasonPhase]int{
		PhasePreparing:  0,
		PhaseActive:     1,
		PhaseFinalizing: 2,
		PhaseCompleted:  3,
	}
	cur, ok := order[p]
	if !ok {
		return false
	}
	nxt, ok := order[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

type Season struct {
	Number    int64       `json:"number"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Phase     SeasonPhase `json:"phase"`
	IsActive  bool        `json:"is_active"`
	Finalized bool        `json:"finalized"`
}

type SeasonService interface {
	CurrentSeason() Season
	SeasonBoundaries(number int64) (time.Time, time.Time)
	SeasonFor(ts time.Time) int64
	ShouldTransition(now time.Time) bool
	ForceTransition(ctx context.Context, season int64) error
}
