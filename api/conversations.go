package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cui-project/cui-server/conversations"
	"github.com/cui-project/cui-server/history"
	"github.com/cui-project/cui-server/sessioninfo"
)

// StartConversation handles POST /api/conversations/start
func (h *Handlers) StartConversation(c *gin.Context) {
	var req conversations.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "invalid JSON body")
		return
	}

	resp, err := h.conversations.Start(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type resumeRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// ResumeConversation handles POST /api/conversations/resume
func (h *Handlers) ResumeConversation(c *gin.Context) {
	// Unknown fields are rejected so a client posting a start body here
	// fails loudly instead of silently dropping its options.
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	var req resumeRequest
	if err := dec.Decode(&req); err != nil {
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "invalid JSON body")
		return
	}

	resp, err := h.conversations.Resume(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// StopConversation handles POST /api/conversations/:streamingId/stop
//
// Always 200: the body's success flag reports whether a live child was
// actually signalled.
func (h *Handlers) StopConversation(c *gin.Context) {
	stopped := h.conversations.Stop(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"success": stopped})
}

// ListConversations handles GET /api/conversations
func (h *Handlers) ListConversations(c *gin.Context) {
	query := history.ListQuery{
		ProjectPath: c.Query("projectPath"),
		SortBy:      c.Query("sortBy"),
		Order:       c.Query("order"),
	}
	if v, ok := parseIntQuery(c, "limit"); ok {
		query.Limit = v
	}
	if v, ok := parseIntQuery(c, "offset"); ok {
		query.Offset = v
	}
	if v, ok := parseBoolQuery(c, "archived"); ok {
		query.Archived = &v
	}
	if v, ok := parseBoolQuery(c, "pinned"); ok {
		query.Pinned = &v
	}
	if v, ok := parseBoolQuery(c, "hasContinuation"); ok {
		query.HasContinuation = &v
	}

	result, err := h.conversations.List(query)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetConversation handles GET /api/conversations/:sessionId
func (h *Handlers) GetConversation(c *gin.Context) {
	result, err := h.conversations.Get(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// UpdateConversation handles PUT /api/conversations/:sessionId/update
func (h *Handlers) UpdateConversation(c *gin.Context) {
	var patch sessioninfo.Update
	if err := c.ShouldBindJSON(&patch); err != nil {
		clientError(c, http.StatusBadRequest, conversations.CodeInvalidRequest, "invalid JSON body")
		return
	}

	info, err := h.conversations.UpdateSessionInfo(c.Param("id"), patch)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func parseIntQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseBoolQuery(c *gin.Context, key string) (bool, bool) {
	raw := c.Query(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
