// Inbox ledger HTTP handlers.
//
//   - GET  /inbox-events                                  (paged list)
//   - GET  /inbox-events/:uuid                            (event with process logs)
//   - POST /inbox-events/:uuid/processes/:process/reprocess
//
// Handlers are transport-thin: they validate input, delegate to the ledger
// service or the broker connector, and translate service errors into HTTP
// results.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eventres/go-rabbitmq-resilience/internal/http/middleware"
	"github.com/eventres/go-rabbitmq-resilience/internal/notify"
	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
	"github.com/eventres/go-rabbitmq-resilience/internal/services"
	"github.com/eventres/go-rabbitmq-resilience/internal/utils"
)

// Handlers bundles the dependencies of all admin endpoints.
type Handlers struct {
	ledger *services.LedgerService
	conn   *rabbit.Connector
	hub    *notify.Hub
}

// New constructs the handler set.
func New(ledger *services.LedgerService, conn *rabbit.Connector, hub *notify.Hub) *Handlers {
	return &Handlers{ledger: ledger, conn: conn, hub: hub}
}

// paginationFromQuery reads the shared listing query parameters.
func paginationFromQuery(c *gin.Context) utils.Pagination {
	return utils.Pagination{
		ItemsPerPage: utils.AtoiDefault(c.Query("items_per_page"), 10),
		Page:         utils.AtoiDefault(c.Query("page"), 1),
		SortKey:      c.Query("sort_key"),
		SortOrder:    c.Query("sort_order"),
		Search:       c.Query("search"),
	}
}

// ListInboxEvents returns one page of the inbox ledger.
func (h *Handlers) ListInboxEvents(c *gin.Context) {
	p := paginationFromQuery(c)
	events, total, err := h.ledger.ListInboxEvents(c.Request.Context(), p)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "listing inbox events failed")
		return
	}
	ok(c, http.StatusOK, ListResponse{
		Data:         events,
		Total:        total,
		Page:         p.Page,
		ItemsPerPage: p.ItemsPerPage,
	})
}

// GetInboxEvent returns one inbox event together with its process logs.
func (h *Handlers) GetInboxEvent(c *gin.Context) {
	uuid := c.Param("uuid")
	out, err := h.ledger.GetInboxEventWithProcesses(c.Request.Context(), uuid)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyUUID):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "uuid is required")
		case errors.Is(err, services.ErrInboxEventNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "inbox event not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "loading inbox event failed")
		}
		return
	}
	ok(c, http.StatusOK, out)
}

// ReprocessInboxEvent runs one named process of a stored event again,
// synchronously, bypassing the idempotency ledger.
func (h *Handlers) ReprocessInboxEvent(c *gin.Context) {
	uuid := c.Param("uuid")
	process := c.Param("process")
	if uuid == "" || process == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "uuid and process are required")
		return
	}

	err := h.conn.ReprocessInboxEvent(c.Request.Context(), uuid, process)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInboxEventNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "inbox event not found")
		case errors.Is(err, rabbit.ErrNotConnected):
			fail(c, http.StatusServiceUnavailable, ErrCodeBrokerUnavailable, "broker unavailable")
		default:
			middleware.LoggerFrom(c).Error().Err(err).
				Str("event_uuid", uuid).
				Str("process", process).
				Msg("reprocess failed")
			fail(c, http.StatusUnprocessableEntity, ErrCodeReplayFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, gin.H{"uuid": uuid, "process": process, "status": "reprocessed"})
}
