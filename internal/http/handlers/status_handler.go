// Operational status HTTP handlers.
//
//   - GET /event-manager/status  (connection, consumer and queue snapshot)
//   - GET /event-manager/stream  (live status transitions over SSE)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// EventManagerStatus returns the live broker snapshot: connection state,
// consumer state, prefetch and per-queue message and consumer counts.
func (h *Handlers) EventManagerStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.conn.Snapshot())
}

// EventManagerStream pushes processing status transitions to the client as
// server-sent events until the client goes away. Slow clients miss events
// rather than slow the pipeline down.
func (h *Handlers) EventManagerStream(c *gin.Context) {
	events, cancel := h.hub.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			c.SSEvent("status", ev)
			c.Writer.Flush()
		}
	}
}
