package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cui-project/cui-server/conversations"
	"github.com/cui-project/cui-server/db"
	"github.com/cui-project/cui-server/models"
)

// GetPreferences handles GET /api/preferences
func (h *Handlers) GetPreferences(c *gin.Context) {
	prefs, err := db.LoadPreferences(h.db)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /api/preferences
func (h *Handlers) UpdatePreferences(c *gin.Context) {
	var prefs models.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "invalid JSON body")
		return
	}
	switch prefs.ColorScheme {
	case "light", "dark", "system":
	default:
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "colorScheme must be light, dark or system")
		return
	}

	if err := db.SavePreferences(h.db, prefs); err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}
