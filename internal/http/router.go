// Package httpapi wires the admin HTTP transport (Gin) to the ledger
// service, the broker connector and the status hub. It centralizes the
// cross-cutting concerns of the surface: tracing, correlation IDs, logging,
// panic recovery, metrics, compression, CORS and security headers.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Gzip (SSE stream excluded; compression buffers it)
//  8. CORS and security headers
package httpapi

import (
	"net/http"
	"path"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/eventres/go-rabbitmq-resilience/internal/config"
	"github.com/eventres/go-rabbitmq-resilience/internal/http/handlers"
	"github.com/eventres/go-rabbitmq-resilience/internal/http/middleware"
	"github.com/eventres/go-rabbitmq-resilience/internal/notify"
	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
	"github.com/eventres/go-rabbitmq-resilience/internal/services"
)

// RegisterRoutes attaches all middleware and admin endpoints to the given
// Gin engine: health and metrics at the root, the ledger and event-manager
// API under cfg.APIBasePath.
func RegisterRoutes(r *gin.Engine, ledger *services.LedgerService, conn *rabbit.Connector, hub *notify.Hub, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured access logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB); the API carries no large payloads
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compression; the SSE stream must flush per event, so it opts out
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{streamPath(cfg.APIBasePath)})))

	// 8) CORS posture; the surface is operator-facing, allow-all is fine
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"connected": conn.IsConnected(),
			"consuming": conn.IsConsuming(),
		})
	})

	h := handlers.New(ledger, conn, hub)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Inbox ledger
		api.GET("/inbox-events", h.ListInboxEvents)
		api.GET("/inbox-events/:uuid", h.GetInboxEvent)
		api.POST("/inbox-events/:uuid/processes/:process/reprocess", h.ReprocessInboxEvent)

		// Outbox ledger
		api.GET("/outbox-events", h.ListOutboxEvents)
		api.GET("/outbox-events/:uuid", h.GetOutboxEvent)
		api.POST("/outbox-events/:uuid/republish", h.RepublishOutboxEvent)

		// Operational status
		api.GET("/event-manager/status", h.EventManagerStatus)
		api.GET("/event-manager/stream", h.EventManagerStream)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests exceeding the cap error on body reads.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// streamPath resolves the absolute route of the SSE stream for the gzip
// exclusion list.
func streamPath(base string) string {
	if base == "" || base == "/" {
		return "/event-manager/stream"
	}
	return path.Join(base, "event-manager/stream")
}
