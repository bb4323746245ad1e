// Outbox ledger HTTP handlers.
//
//   - GET  /outbox-events                  (paged list)
//   - GET  /outbox-events/:uuid
//   - POST /outbox-events/:uuid/republish
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eventres/go-rabbitmq-resilience/internal/http/middleware"
	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
	"github.com/eventres/go-rabbitmq-resilience/internal/services"
)

// ListOutboxEvents returns one page of the outbox ledger.
func (h *Handlers) ListOutboxEvents(c *gin.Context) {
	p := paginationFromQuery(c)
	events, total, err := h.ledger.ListOutboxEvents(c.Request.Context(), p)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "listing outbox events failed")
		return
	}
	ok(c, http.StatusOK, ListResponse{
		Data:         events,
		Total:        total,
		Page:         p.Page,
		ItemsPerPage: p.ItemsPerPage,
	})
}

// GetOutboxEvent returns one outbox event with its delivery record.
func (h *Handlers) GetOutboxEvent(c *gin.Context) {
	uuid := c.Param("uuid")
	out, err := h.ledger.GetOutboxEvent(c.Request.Context(), uuid)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyUUID):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "uuid is required")
		case errors.Is(err, services.ErrOutboxEventNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "outbox event not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "loading outbox event failed")
		}
		return
	}
	ok(c, http.StatusOK, out)
}

// RepublishOutboxEvent publishes a stored event again through the confirmed
// path. The outbox attempt counter moves up on success.
func (h *Handlers) RepublishOutboxEvent(c *gin.Context) {
	uuid := c.Param("uuid")
	if uuid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "uuid is required")
		return
	}

	err := h.conn.RepublishOutboxEvent(c.Request.Context(), uuid)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOutboxEventNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "outbox event not found")
		case errors.Is(err, rabbit.ErrNotConnected):
			fail(c, http.StatusServiceUnavailable, ErrCodeBrokerUnavailable, "broker unavailable")
		default:
			middleware.LoggerFrom(c).Error().Err(err).
				Str("event_uuid", uuid).
				Msg("republish failed")
			fail(c, http.StatusUnprocessableEntity, ErrCodeReplayFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, gin.H{"uuid": uuid, "status": "republished"})
}
