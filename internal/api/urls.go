package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/auth"
	"github.com/rs/zerolog"
)

// setupRoutes registers all API routes with the Gin engine
func setupRoutes(r *gin.Engine, deps Deps, cfg Config, limiter *RateLimiter, logger zerolog.Logger) {
	r.Use(LoggingMiddleware(logger))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORSMiddleware(cfg.AllowedOrigins))
	}

	deviceViews := NewDeviceViews(deps.Devices, logger)
	sessionViews := NewSessionViews(deps.Sessions, logger)
	screenTimeViews := NewScreenTimeViews(deps.ScreenTime, deps.Ledger, logger)
	approvalViews := NewApprovalViews(deps.Approvals, logger)
	childViews := NewChildViews(deps.Store, deps.Sessions, deps.ScreenTime, deps.Broadcaster, deps.Locks, logger)
	realtimeViews := NewRealtimeViews(deps.Broadcaster, cfg.AllowedOrigins, cfg.PingInterval, logger)

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authenticated := []gin.HandlerFunc{AuthMiddleware(deps.Auth, false)}
	if limiter != nil {
		authenticated = append(authenticated, RateLimitMiddleware(limiter))
	}

	// Real-time channel, device or parent
	r.GET("/v1/ws", AuthMiddleware(deps.Auth, true), realtimeViews.Connect)

	v1 := r.Group("/v1", authenticated...)
	{
		// Device endpoints
		device := v1.Group("", RequireRole(auth.RoleDevice))
		{
			device.POST("/devices/register", deviceViews.Register)
			device.POST("/sessions/start", sessionViews.Start)
			device.PATCH("/sessions/:id/heartbeat", sessionViews.Heartbeat)
			device.POST("/sessions/:id/complete", sessionViews.Complete)
			device.GET("/channels/:channelId/allowed", approvalViews.ChannelAllowed)
			device.POST("/approvals", approvalViews.Create)
		}

		// Remaining time, visible to the child's devices and parents
		v1.GET("/screentime/:childId/remaining", RequireChildAccess("childId"), screenTimeViews.Remaining)

		// Parent endpoints
		parent := v1.Group("/parent", RequireRole(auth.RoleParent))
		{
			child := parent.Group("/children/:childId", RequireChildAccess("childId"))
			{
				child.GET("/rules", screenTimeViews.GetRules)
				child.PUT("/rules", screenTimeViews.PutRules)
				child.POST("/pause", screenTimeViews.Pause)
				child.POST("/resume", screenTimeViews.Resume)
				child.POST("/extend", screenTimeViews.Extend)
				child.GET("/usage", screenTimeViews.Usage)
				child.GET("/devices", deviceViews.List)
				child.DELETE("/devices/:deviceId", deviceViews.Remove)
				child.GET("/session", sessionViews.Current)
				child.GET("/approvals", approvalViews.List)
				child.DELETE("", childViews.Delete)
			}

			approvals := parent.Group("/approvals/:id")
			{
				approvals.POST("/review", approvalViews.Review)
				approvals.POST("/quick-approve-channel", approvalViews.QuickApproveChannel)
				approvals.POST("/dismiss", approvalViews.Dismiss)
			}
		}
	}
}
