package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

type Handler struct {
	seasons      domain.SeasonService
	delegations  domain.DelegationService
	ranking      domain.RankingService
	rewards      domain.RewardService
	distribution domain.DistributionService
	sync         domain.SyncService
	logger       *logger.Logger
}

func NewHandler(
	seasons domain.SeasonService,
	delegations domain.DelegationService,
	ranking domain.RankingService,
	rewards domain.RewardService,
	distribution domain.DistributionService,
	sync domain.SyncService,
	logger *logger.Logger,
) *Handler {
	return &Handler{
		seasons:      seasons,
		delegations:  delegations,
		ranking:      ranking,
		rewards:      rewards,
		distribution: distribution,
		sync:         sync,
		logger:       logger,
	}
}

func (h *Handler) seasonParam(c *gin.Context) (int64, bool) {
	season, err := strconv.ParseInt(c.Param("season"), 10, 64)
	if err != nil || season <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid season parameter. Must be a positive integer",
		})
		return 0, false
	}
	return season, true
}

// respondError maps the domain error taxonomy onto HTTP statuses. Query
// operations fail fast with a descriptive reason.
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		validation       *domain.ValidationError
		insufficient     *domain.InsufficientPowerError
		selfDeleg        *domain.SelfDelegationError
		stale            *domain.StaleCacheError
		insufficientData *domain.InsufficientDataError
		unavailable      *domain.LedgerUnavailableError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &insufficient), errors.As(err, &selfDeleg), errors.As(err, &insufficientData):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &stale):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDistributionRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Errorw("Request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *Handler) GetCurrentSeason(c *gin.Context) {
	c.JSON(http.StatusOK, h.seasons.CurrentSeason())
}

func (h *Handler) ValidateSeason(c *gin.Context) {
	season, ok := h.seasonParam(c)
	if !ok {
		return
	}

	report, err := h.delegations.ValidateSeason(c.Request.Context(), season)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *Handler) GetLeaderboard(c *gin.Context) {
	season, ok := h.seasonParam(c)
	if !ok {
		return
	}

	limit := 10
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 || parsed > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit parameter. Must be between 1 and 100",
			})
			return
		}
		limit = parsed
	}

	entries, err := h.ranking.Leaderboard(c.Request.Context(), season, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"season": season, "data": entries})
}

type calculateRequest struct {
	PoolSize int64 `json:"pool_size" binding:"required,gt=0"`
	TopN     int   `json:"top_n"`
}

func (h *Handler) CalculateRewards(c *gin.Context) {
	season, ok := h.seasonParam(c)
	if !ok {
		return
	}

	var req calculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: pool_size must be a positive integer",
		})
		return
	}

	calc, err := h.rewards.Calculate(c.Request.Context(), season, req.PoolSize, req.TopN)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, calc)
}

type startDistributionRequest struct {
	PoolSize int64 `json:"pool_size"`
}

// StartDistribution always returns quickly: accepted with the initial
// progress, or the existing progress when a run is already in flight.
// Individual transfer failures are only ever visible via GetProgress.
func (h *Handler) StartDistribution(c *gin.Context) {
	season, ok := h.seasonParam(c)
	if !ok {
		return
	}

	var req startDistributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	progress, err := h.distribution.StartDistribution(c.Request.Context(), season, req.PoolSize)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, progress)
}

func (h *Handler) GetProgress(c *gin.Context) {
	season, ok := h.seasonParam(c)
	if !ok {
		return
	}

	progress, err := h.distribution.Progress(c.Request.Context(), season)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, progress)
}

func (h *Handler) ForceTransition(c *gin.Context) {
	season, ok := h.seasonParam(c)
	if !ok {
		return
	}

	if err := h.seasons.ForceTransition(c.Request.Context(), season); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"season": season, "forced": true})
}

// RebuildRepresentative is the operator fallback for seasons whose event
// log is gone: per-target totals are re-attributed to the owner as single
// representative rows. Destructive for voter granularity, so it is only
// exposed on the admin surface.
func (h *Handler) RebuildRepresentative(c *gin.Context) {
	season, ok := h.seasonParam(c)
	if !ok {
		return
	}

	if err := h.sync.RebuildRepresentative(c.Request.Context(), season); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"season": season, "rebuilt": true})
}

type delegationRequest struct {
	User   string `json:"user" binding:"required"`
	Target string `json:"target" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

func (h *Handler) SubmitDelegation(c *gin.Context) {
	var req delegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: user, target and a positive amount are required",
		})
		return
	}

	txHash, err := h.delegations.SubmitDelegation(c.Request.Context(), req.User, req.Target, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"tx_hash": txHash})
}

func (h *Handler) SubmitUndelegation(c *gin.Context) {
	var req delegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: user, target and a positive amount are required",
		})
		return
	}

	txHash, err := h.delegations.SubmitUndelegation(c.Request.Context(), req.User, req.Target, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"tx_hash": txHash})
}

func (h *Handler) GetAvailablePower(c *gin.Context) {
	user := c.Param("user")
	available, err := h.delegations.AvailablePower(c.Request.Context(), user)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "available_power": available})
}

func (h *Handler) GetHealth(c *gin.Context) {
	if _, err := h.delegations.Stats(c.Request.Context()); err != nil {
		h.logger.Errorw("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) GetReadiness(c *gin.Context) {
	if _, err := h.delegations.Stats(c.Request.Context()); err != nil {
		h.logger.Errorw("Readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.delegations.Stats(c.Request.Context())
	if err != nil {
		h.logger.Errorw("Failed to get stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve statistics",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}
