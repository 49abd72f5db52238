package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// SessionHeader carries the MCP session id on the streamable HTTP transport.
const SessionHeader = "Mcp-Session-Id"

// ErrorResponse is a JSON-RPC error sent before a request reaches the server,
// so it has no id.
type ErrorResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Error   ErrorObject `json:"error"`
}

// ErrorObject is the error member of a JSON-RPC response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewErrorResponse builds an id-less JSON-RPC error.
func NewErrorResponse(code int, format string, args ...interface{}) ErrorResponse {
	return ErrorResponse{
		JSONRPC: mcpgo.JSONRPC_VERSION,
		Error:   ErrorObject{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

// Mount registers the streamable HTTP endpoint on router at path. POST and
// DELETE go to the MCP handler; there is no server-initiated stream, so GET
// is refused.
func (s *Server) Mount(router fiber.Router, path string) {
	handler := adaptor.HTTPHandler(s.http)

	router.Post(path, checkMessage, handler)
	router.Get(path, func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderAllow, "POST, DELETE")
		return c.SendStatus(fiber.StatusMethodNotAllowed)
	})
	router.Delete(path, func(c *fiber.Ctx) error {
		if c.Get(SessionHeader) == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		return c.Next()
	}, handler)
}

// checkMessage rejects batches and an initialize without an id, which would
// open a session the client can never learn.
func checkMessage(c *fiber.Ctx) error {
	body := bytes.TrimSpace(c.Body())
	if len(body) > 0 && body[0] == '[' {
		return c.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(mcpgo.INVALID_REQUEST, "batch requests are not supported"))
	}

	var head struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(mcpgo.PARSE_ERROR, "parse error: %v", err))
	}

	if head.Method == string(mcpgo.MethodInitialize) && (len(head.ID) == 0 || string(head.ID) == "null") {
		return c.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(mcpgo.INVALID_REQUEST, "initialize must carry an id"))
	}
	return c.Next()
}
