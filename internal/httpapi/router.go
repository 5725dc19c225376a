package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/auth"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/httpapi/handlers"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, jwtm *auth.JWTManager) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestLog())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtm))

	// streaming
	authGroup.POST("/ai/chat/stream", h.ChatStream)
	authGroup.POST("/ai/analyze/stream", h.AnalyzeStream)
	authGroup.POST("/ai/grading/stream", h.GradingStream)

	// queued grading
	authGroup.POST("/ai/grading/jobs", h.CreateGradingJob)
	authGroup.GET("/ai/grading/jobs/:job_id", h.GetGradingJob)
	authGroup.GET("/ai/grading/:question_id/history", h.GradingHistory)

	// history
	authGroup.GET("/ai/chat/history", h.GetHistory)
	authGroup.GET("/ai/sessions", h.RecentSessions)
	authGroup.GET("/ai/sessions/list", h.ListSessions)
	authGroup.POST("/ai/session/new", h.CreateSession)
	authGroup.PUT("/ai/session/:session_id/title", h.RenameSession)
	authGroup.DELETE("/ai/session/:session_id", h.HideSession)

	authGroup.GET("/ai/models", h.ListModels)

	// quota
	authGroup.GET("/ai-quota/info", h.QuotaInfo)
	authGroup.GET("/ai-quota/remaining", h.QuotaRemaining)
	authGroup.GET("/ai-quota/check", h.QuotaCheck)
	authGroup.GET("/ai/usage", h.UsageLog)

	admin := authGroup.Group("/admin/ai-quota")
	admin.Use(middleware.AdminRequired())
	admin.GET("/stats", h.AdminQuotaStats)
	admin.POST("/reset-daily", h.AdminResetAllDaily)
	admin.POST("/reset-monthly", h.AdminResetAllMonthly)
	admin.PUT("/tier", h.AdminSetTierBulk)
	admin.POST("/:user_id/reset-daily", h.AdminResetDaily)
	admin.POST("/:user_id/reset-monthly", h.AdminResetMonthly)
	admin.PUT("/:user_id/tier", h.AdminSetTier)
	return r
}
