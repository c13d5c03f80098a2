package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/cui-project/cui-server/conversations"
	"github.com/cui-project/cui-server/log"
)

// StreamConversation handles GET /api/stream/:streamingId
//
// Long-lived NDJSON response: the connected record, the full history of
// the stream, then live records as they arrive, one JSON object per
// line. The response ends after the closed record.
func (h *Handlers) StreamConversation(c *gin.Context) {
	streamingID := c.Param("streamingId")

	sub, err := h.streams.Subscribe(streamingID)
	if err != nil {
		clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "stream not found")
		return
	}
	defer h.streams.Detach(sub)

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case record, ok := <-sub.Ch():
			if !ok {
				return
			}
			if _, err := c.Writer.Write(record); err != nil {
				return
			}
			if _, err := c.Writer.Write([]byte("\n")); err != nil {
				return
			}
			c.Writer.Flush()

		case <-ctx.Done():
			logger.Debug().Str("streamingId", streamingID).Msg("stream client disconnected")
			return
		}
	}
}

// StreamConversationWS handles GET /api/stream/:streamingId/ws
//
// WebSocket variant of the record stream: the same record sequence, one
// JSON text frame per record. The connection closes normally after the
// closed record.
func (h *Handlers) StreamConversationWS(c *gin.Context) {
	streamingID := c.Param("streamingId")

	sub, err := h.streams.Subscribe(streamingID)
	if err != nil {
		clientError(c, http.StatusNotFound, conversations.CodeConversationNotFound, "stream not found")
		return
	}
	defer h.streams.Detach(sub)

	// Gin wraps the response writer; websocket hijacking needs the raw one.
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Error().Err(err).Str("streamingId", streamingID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log.MarkHijacked(c)
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads are discarded; a read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case record, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, record); err != nil {
				if ctx.Err() == nil {
					logger.Debug().Err(err).Str("streamingId", streamingID).Msg("websocket write failed")
				}
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
