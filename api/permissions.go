package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cui-project/cui-server/conversations"
	"github.com/cui-project/cui-server/permissions"
)

type permissionNotifyRequest struct {
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput"`
	StreamingID string          `json:"streamingId"`
}

// NotifyPermission handles POST /api/permissions/notify
//
// Called by the MCP permission helper running inside the CLI, not by
// browsers.
func (h *Handlers) NotifyPermission(c *gin.Context) {
	var req permissionNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ToolName == "" {
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "toolName is required")
		return
	}

	stored := h.permissions.Notify(req.ToolName, req.ToolInput, req.StreamingID)
	c.JSON(http.StatusOK, gin.H{"success": true, "id": stored.ID})
}

// ListPermissions handles GET /api/permissions?streamingId&status
func (h *Handlers) ListPermissions(c *gin.Context) {
	status := permissions.Status(c.Query("status"))
	switch status {
	case "", permissions.StatusPending, permissions.StatusApproved, permissions.StatusDenied:
	default:
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "unknown status filter")
		return
	}

	list := h.permissions.GetAll(c.Query("streamingId"), status)
	c.JSON(http.StatusOK, gin.H{"permissions": list})
}

// DecidePermission handles POST /api/permissions/:id/decision
func (h *Handlers) DecidePermission(c *gin.Context) {
	var d permissions.Decision
	if err := c.ShouldBindJSON(&d); err != nil {
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "invalid JSON body")
		return
	}

	req, err := h.permissions.Decide(c.Param("id"), d)
	switch err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "request": req})
	case permissions.ErrNotFound:
		clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "permission request not found")
	case permissions.ErrAlreadyDecided:
		clientError(c, http.StatusConflict, conversations.CodeInvalidRequest, "permission request already decided")
	default:
		serverError(c, err)
	}
}

// WaitPermissionDecision handles GET /api/permissions/:id/wait
//
// Blocks until the request is decided or the permission timeout elapses;
// a timeout yields a denied verdict so the helper never hangs forever.
// The timeout deny is synthesized for this response only; the stored
// request stays pending and a later real decision is still recorded.
// The polling endpoints above remain available for wire-compatible
// helpers.
func (h *Handlers) WaitPermissionDecision(c *gin.Context) {
	id := c.Param("id")

	req, err := h.permissions.WaitForDecision(c.Request.Context(), id, h.cfg.PermissionTimeout)
	switch err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"request": req})
	case permissions.ErrNotFound:
		clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "permission request not found")
	case permissions.ErrDecisionTimeout:
		synthesized, gerr := h.permissions.Get(id)
		if gerr != nil {
			clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "permission request not found")
			return
		}
		if synthesized.Status == permissions.StatusPending {
			synthesized.Status = permissions.StatusDenied
			synthesized.DenyReason = "permission request timed out"
		}
		c.JSON(http.StatusOK, gin.H{"request": synthesized, "timedOut": true})
	default:
		if c.Request.Context().Err() != nil {
			return
		}
		serverError(c, err)
	}
}
