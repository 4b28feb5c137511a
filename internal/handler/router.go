package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, adminToken string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		saka := api.Group("/saka")
		{
			saka.POST("/wallets", h.CreateWallet)
			saka.GET("/wallet", h.GetWallet)
			saka.POST("/harvest", h.Harvest)
			saka.POST("/spend", h.Spend)
			saka.GET("/transactions", h.ListTransactions)
			saka.GET("/silo", h.GetSilo)
			saka.GET("/cycles", h.ListCycles)

			metrics := saka.Group("/metrics")
			{
				metrics.GET("/compost", h.CompostMetrics)
				metrics.GET("/redistribution", h.RedistributionMetrics)
				metrics.GET("/global", h.GlobalTotals)
				metrics.GET("/cycles/:id", h.CycleStats)
			}
		}

		admin := api.Group("/admin/saka", AdminMiddleware(adminToken))
		{
			admin.POST("/compost/run", h.RunCompost)
			admin.POST("/redistribution/run", h.RunRedistribution)
			admin.POST("/cycles", h.CreateCycle)
			admin.GET("/reconcile", h.Reconcile)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
