package httpapi

import (
	"net/http"

	ginsse "github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// startSSE writes the streaming response headers, matching
// main/completions.go's manual header+flush pattern but using
// gin-contrib/sse's writer instead of hand-rolled chunked JSON lines.
func startSSE(c *gin.Context) http.Flusher {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)
	return flusher
}

// writeSSE encodes one SSE data frame and flushes it immediately, so the
// client sees each token as soon as the worker emits it (spec.md §6).
func writeSSE(c *gin.Context, flusher http.Flusher, payload any) error {
	if err := ginsse.Encode(c.Writer, ginsse.Event{Data: payload}); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
