package router

import (
	"net/http"

	"github.com/blues/mfs/internal/handler"
	"github.com/blues/mfs/internal/logic"
	"github.com/gin-gonic/gin"
)

// StatusFunc 健康检查附带的组件状态
type StatusFunc func() map[string]interface{}

func Setup(engine *logic.Engine, status StatusFunc) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":  "ok",
			"service": "milestone-funding-service",
		}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})

	campaignHandler := handler.NewCampaignHandler(engine)
	contributionHandler := handler.NewContributionHandler(engine.Contributions)
	milestoneHandler := handler.NewMilestoneHandler(engine)

	v1 := r.Group("/api/v1")
	{
		campaigns := v1.Group("/campaigns")
		{
			campaigns.POST("", campaignHandler.CreateCampaign)
			campaigns.GET("/:id/availability", campaignHandler.GetAvailability)
			campaigns.GET("/:id/stats", campaignHandler.GetStats)
			campaigns.GET("/:id/milestones", campaignHandler.GetMilestones)
			campaigns.POST("/:id/reset", campaignHandler.Reset)
			campaigns.GET("/:id/escrow", campaignHandler.GetEscrow)
		}

		contributions := v1.Group("/contributions")
		{
			contributions.POST("/pending", contributionHandler.Pending)
			contributions.POST("/confirmed", contributionHandler.Confirmed)
		}

		milestones := v1.Group("/milestones")
		{
			milestones.GET("/:id", milestoneHandler.GetMilestone)
			milestones.POST("/:id/proof", milestoneHandler.SubmitProof)
			milestones.POST("/:id/votes", milestoneHandler.CastVote)
			milestones.GET("/:id/votes/stats", milestoneHandler.GetVoteStats)
			milestones.POST("/:id/resolve", milestoneHandler.Resolve)
			milestones.POST("/:id/force-release", milestoneHandler.ForceRelease)
		}
	}

	return r
}

// CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
