// Package security holds HTTP middleware for the MCP endpoint.
package security

import (
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/ahrdadan/fcumcp/internal/mcp"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// maxBodySize bounds a single JSON-RPC message.
const maxBodySize = 1 << 20

// SessionChecker reports whether an Mcp-Session-Id belongs to an open session.
type SessionChecker interface {
	HasSession(id string) bool
}

// Middleware provides security middleware for Fiber
type Middleware struct {
	rateLimiter *RateLimiter
	sessions    SessionChecker
}

// NewMiddleware creates a new security middleware. sessions may be nil, in
// which case every caller is keyed by IP.
func NewMiddleware(rl *RateLimiter, sessions SessionChecker) *Middleware {
	return &Middleware{
		rateLimiter: rl,
		sessions:    sessions,
	}
}

// clientKey identifies the caller: its MCP session when the server knows
// the id, else its IP. Unknown ids share the IP bucket.
func (m *Middleware) clientKey(c *fiber.Ctx) string {
	if id := c.Get(mcp.SessionHeader); id != "" && m.sessions != nil && m.sessions.HasSession(id) {
		return "session:" + id
	}
	return "ip:" + c.IP()
}

// RateLimitMiddleware rejects callers that exhaust their bucket with a
// JSON-RPC error so MCP clients can surface it.
func (m *Middleware) RateLimitMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := m.clientKey(c)

		c.Set("X-RateLimit-Limit", strconv.Itoa(m.rateLimiter.Limit()))

		if !m.rateLimiter.Allow(key) {
			retry := int64(math.Ceil(m.rateLimiter.RetryAfter(key).Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Set("X-RateLimit-Remaining", "0")
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(retry, 10))

			return c.Status(fiber.StatusTooManyRequests).JSON(
				mcp.NewErrorResponse(mcpgo.INTERNAL_ERROR, "rate limit exceeded, retry after %ds", retry))
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(m.rateLimiter.Remaining(key)))
		return c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'")
		c.Set("Cache-Control", "no-store")

		requestID := c.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDHeader, requestID)
		c.Locals("requestID", requestID)

		return c.Next()
	}
}

// RequestValidationMiddleware checks JSON-RPC POST bodies before parsing.
func RequestValidationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(
				mcp.NewErrorResponse(mcpgo.INVALID_REQUEST, "Content-Type must be application/json"))
		}

		if len(c.Body()) > maxBodySize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(
				mcp.NewErrorResponse(mcpgo.INVALID_REQUEST, "request body too large"))
		}

		return c.Next()
	}
}

// RequestID returns the id assigned by SecurityHeadersMiddleware.
func RequestID(c *fiber.Ctx) string {
	id, _ := c.Locals("requestID").(string)
	return id
}
