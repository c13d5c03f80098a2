package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetSystemStatus handles GET /api/system/status
func (h *Handlers) GetSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.conversations.Status())
}

// GetWorkingDirectories handles GET /api/working-directories
func (h *Handlers) GetWorkingDirectories(c *gin.Context) {
	dirs, err := h.conversations.WorkingDirectories()
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"directories": dirs})
}
