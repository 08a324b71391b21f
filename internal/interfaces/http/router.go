package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/logger"
)

func NewRouter(
	seasons domain.SeasonService,
	delegations domain.DelegationService,
	ranking domain.RankingService,
	rewards domain.RewardService,
	distribution domain.DistributionService,
	sync domain.SyncService,
	logger *logger.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(),
	)

	handler := NewHandler(seasons, delegations, ranking, rewards, distribution, sync, logger)

	router.GET("/health", handler.GetHealth)
	router.GET("/ready", handler.GetReadiness)

	seasonsGroup := router.Group("/seasons")
	{
		seasonsGroup.GET("/current", handler.GetCurrentSeason)
		seasonsGroup.GET("/:season/validate", handler.ValidateSeason)
		seasonsGroup.GET("/:season/leaderboard", handler.GetLeaderboard)
		seasonsGroup.POST("/:season/rewards/calculate", handler.CalculateRewards)
		seasonsGroup.POST("/:season/distribution/start", handler.StartDistribution)
		seasonsGroup.GET("/:season/distribution/progress", handler.GetProgress)
		seasonsGroup.POST("/:season/force-transition", handler.ForceTransition)
		seasonsGroup.POST("/:season/rebuild-representative", handler.RebuildRepresentative)
	}

	delegationsGroup := router.Group("/delegations")
	{
		delegationsGroup.POST("", handler.SubmitDelegation)
		delegationsGroup.POST("/undelegate", handler.SubmitUndelegation)
	}

	router.GET("/users/:user/available-power", handler.GetAvailablePower)
	router.GET("/stats", handler.GetStats)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
