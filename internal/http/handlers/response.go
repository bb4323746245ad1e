// Package handlers provides the HTTP handler implementations of the admin
// API: ledger browsing, operational status and replay.
//
// This file defines the response utilities shared by all endpoints. Every
// failure returns an ErrorResponse with a stable code; fail() centralizes
// formatting and logs 5xx responses with request context.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eventres/go-rabbitmq-resilience/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message
	Message string `json:"message"`
}

// ListResponse is the envelope of every paged listing.
type ListResponse struct {
	Data         any   `json:"data"`
	Total        int64 `json:"total"`
	Page         int   `json:"page"`
	ItemsPerPage int   `json:"items_per_page"`
}

// fail aborts the request with a structured error. Server errors (>= 500)
// are logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail(), for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
