package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/fcumcp/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRPS   float64 // token refill per second per client
	RateLimitBurst int     // bucket size per client
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
}

// SetupRoutes mounts health, MCP, event stream and metrics routes.
// The returned limiter must be stopped on shutdown.
func SetupRoutes(app *fiber.App, handler *Handler, config RouteConfig) *security.RateLimiter {
	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerSecond: config.RateLimitRPS,
		Burst:             config.RateLimitBurst,
	})
	secMiddleware := security.NewMiddleware(rateLimiter, handler.mcp)

	app.Use(security.SecurityHeadersMiddleware())

	// Health check (no rate limit)
	app.Get("/health", handler.HealthCheck)

	mcpGroup := app.Group("/mcp")
	mcpGroup.Use(security.RequestValidationMiddleware())
	mcpGroup.Use(secMiddleware.RateLimitMiddleware())
	handler.mcp.Mount(mcpGroup, "")

	app.Get("/events/stream", handler.StreamEvents)

	// WebSocket endpoint for tool events
	app.Use("/events/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/events/ws", websocket.New(handler.HandleWebSocket))

	if handler.metrics != nil {
		app.Get("/metrics", handler.metrics.Handler())
	}

	return rateLimiter
}
