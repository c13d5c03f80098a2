package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// API group
	api := r.Group("/api")

	// Conversation lifecycle. The wildcard segment is a streamingId for
	// stop and a sessionId everywhere else, so the route param is the
	// neutral :id.
	api.POST("/conversations/start", h.StartConversation)
	api.POST("/conversations/resume", h.ResumeConversation)
	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations/:id/stop", h.StopConversation)
	api.GET("/conversations/:id", h.GetConversation)
	api.PUT("/conversations/:id/update", h.UpdateConversation)

	// Record streams
	api.GET("/stream/:streamingId", h.StreamConversation)
	api.GET("/stream/:streamingId/ws", h.StreamConversationWS)

	// Permissions
	api.POST("/permissions/notify", h.NotifyPermission)
	api.GET("/permissions", h.ListPermissions)
	api.POST("/permissions/:id/decision", h.DecidePermission)
	api.GET("/permissions/:id/wait", h.WaitPermissionDecision)

	// Notifications (SSE)
	api.GET("/notifications/stream", h.NotificationStream)

	// System
	api.GET("/system/status", h.GetSystemStatus)
	api.GET("/working-directories", h.GetWorkingDirectories)

	// Preferences
	api.GET("/preferences", h.GetPreferences)
	api.PUT("/preferences", h.UpdatePreferences)
}
