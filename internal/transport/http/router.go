package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"boardmail/backend/internal/config"
	"boardmail/backend/internal/health"
	"boardmail/backend/internal/middleware"
	"boardmail/backend/internal/monitoring"
	"boardmail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config   *config.Config
	Metrics  *monitoring.Metrics
	Health   *health.HealthChecker
	Alerts   *monitoring.AlertManager
	Poller   PollTrigger
	Accounts AccountReader
	Hub      *websocket.Hub // 可选，为空时不提供看板事件推送
	Logger   *zap.Logger
}

// NewRouter 创建运维 HTTP 路由
//
// 公开：/metrics、/health/*；/admin 需要管理令牌，未配置令牌时 /admin 不可用。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(mm.HTTPMetrics(), mm.PanicRecovery())

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	healthGroup := router.Group("/health")
	{
		healthGroup.GET("/live", gin.WrapF(deps.Health.LiveEndpoint))
		healthGroup.GET("/ready", gin.WrapF(deps.Health.ReadyEndpoint))
		healthGroup.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.Health.CheckHealth(c.Request.Context()))
		})
	}

	admin := NewAdminHandler(deps.Poller, deps.Accounts, deps.Alerts, deps.Logger)
	adminGroup := router.Group("/admin", middleware.RequireAdminToken(deps.Config.Server.AdminToken))
	{
		adminGroup.GET("/accounts/:id", admin.GetAccount)
		adminGroup.POST("/accounts/:id/poll", admin.TriggerPoll)
		adminGroup.GET("/alerts", admin.ListAlerts)
		if deps.Hub != nil {
			adminGroup.GET("/events", websocket.HandleWebSocket(deps.Hub))
		}
	}

	return router
}
