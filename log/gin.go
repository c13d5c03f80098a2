package log

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// hijackedKey marks a request whose connection was taken over by a
// WebSocket upgrade. After the upgrade the ResponseWriter is dead:
// even reading c.Writer.Status() makes gin write headers on the
// hijacked connection. net/http gives no way to ask whether a
// connection was hijacked (golang/go#16456), so the handler records
// the fact itself.
const hijackedKey = "cui.hijacked"

// MarkHijacked must be called by a handler before it upgrades the
// connection.
func MarkHijacked(c *gin.Context) {
	c.Set(hijackedKey, true)
}

// IsHijacked reports whether MarkHijacked was called for this request.
func IsHijacked(c *gin.Context) bool {
	v, ok := c.Get(hijackedKey)
	return ok && v == true
}

// GinLogger emits one line per completed request. Record streams and
// SSE are long-lived and frequent, so they log at debug to keep the
// info log readable; error statuses always surface.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path

		c.Next()

		if IsHijacked(c) {
			Debug().Str("method", method).Str("path", path).Msg("connection hijacked")
			return
		}

		status := c.Writer.Status()

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = Error()
		case status >= 400:
			event = Warn()
		case isStreamingPath(path):
			event = Debug()
		default:
			event = Info()
		}

		if query := c.Request.URL.RawQuery; query != "" {
			event = event.Str("query", query)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("elapsed", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("http")
	}
}

func isStreamingPath(path string) bool {
	return strings.HasPrefix(path, "/api/stream/") ||
		strings.HasPrefix(path, "/api/notifications/")
}
