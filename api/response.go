package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cui-project/cui-server/claude"
	"github.com/cui-project/cui-server/conversations"
	"github.com/cui-project/cui-server/history"
	"github.com/cui-project/cui-server/permissions"
	"github.com/cui-project/cui-server/stream"
)

// clientError writes a 4xx body carrying the message and a stable
// machine-readable code.
func clientError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": message, "code": code})
}

// serverError writes the generic 5xx body. Details go to the log, never
// to the client.
func serverError(c *gin.Context, err error) {
	logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// respondErr maps component errors onto the wire format.
func respondErr(c *gin.Context, err error) {
	var verr *conversations.ValidationError
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if verr.Code == conversations.CodeConversationNotFound {
			status = http.StatusNotFound
		}
		clientError(c, status, verr.Code, verr.Message)
	case errors.Is(err, claude.ErrInvalidWorkingDirectory):
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, err.Error())
	case errors.Is(err, history.ErrConversationNotFound):
		clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "conversation not found")
	case errors.Is(err, stream.ErrStreamNotFound):
		clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "stream not found")
	case errors.Is(err, permissions.ErrNotFound):
		clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "permission request not found")
	default:
		serverError(c, err)
	}
}
