package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ahrdadan/fcumcp/internal/config"
	"github.com/ahrdadan/fcumcp/internal/events"
	"github.com/ahrdadan/fcumcp/internal/mcp"
	"github.com/ahrdadan/fcumcp/internal/metrics"
	"github.com/ahrdadan/fcumcp/internal/security"
)

// heartbeatInterval keeps idle event streams writing so a gone client is noticed.
const heartbeatInterval = 15 * time.Second

// SessionCounter reports how many browser sessions are open.
type SessionCounter interface {
	Len() int
}

// Handler handles the non-MCP HTTP endpoints
type Handler struct {
	sessions SessionCounter
	mcp      *mcp.Server
	hub      *events.Hub
	metrics  *metrics.Metrics
	logger   *zap.Logger

	heartbeat time.Duration
}

// NewHandler creates a new handler. metrics may be nil.
func NewHandler(sessions SessionCounter, srv *mcp.Server, hub *events.Hub, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		mcp:      srv,
		hub:      hub,
		metrics:  m,
		logger:   logger.Named("api"),

		heartbeat: heartbeatInterval,
	}
}

// Response represents a standard API response
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success:   false,
		Error:     err.Error(),
		RequestID: security.RequestID(c),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status":           "ok",
			"version":          config.Version,
			"browser_sessions": h.sessions.Len(),
			"mcp_sessions":     h.mcp.SessionCount(),
			"event_listeners":  h.hub.Subscribers(),
			"timestamp":        time.Now().UTC().Format(time.RFC3339),
		},
	})
}
