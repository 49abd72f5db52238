// Package mcp serves tools over the Model Context Protocol on the streamable
// HTTP transport. Protocol handling comes from mcp-go; this package adds the
// session store, request checks and Fiber mounting.
package mcp

import (
	"context"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

var _ server.SessionIdManager = (*sessionStore)(nil)

// Options bounds the MCP session store.
type Options struct {
	MaxSessions    int           // oldest session is evicted beyond this
	SessionIdleTTL time.Duration // sessions without requests for this long expire
}

// DefaultOptions returns the session limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxSessions:    1024,
		SessionIdleTTL: 30 * time.Minute,
	}
}

// Server is an MCP server reachable over streamable HTTP.
type Server struct {
	core     *server.MCPServer
	http     *server.StreamableHTTPServer
	sessions *sessionStore
	logger   *zap.Logger
}

// NewServer creates an MCP server advertising name and version. Zero
// options take their defaults.
func NewServer(name, version, instructions string, logger *zap.Logger, opts Options) *Server {
	def := DefaultOptions()
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = def.MaxSessions
	}
	if opts.SessionIdleTTL <= 0 {
		opts.SessionIdleTTL = def.SessionIdleTTL
	}

	s := &Server{logger: logger.Named("mcp")}
	s.sessions = newSessionStore(opts.MaxSessions, opts.SessionIdleTTL, s.logger)

	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(_ context.Context, _ any, req *mcpgo.InitializeRequest, res *mcpgo.InitializeResult) {
		s.logger.Info("client initialized",
			zap.String("client", req.Params.ClientInfo.Name),
			zap.String("client_version", req.Params.ClientInfo.Version),
			zap.String("protocol", res.ProtocolVersion))
	})

	s.core = server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
		server.WithRecovery(),
		server.WithHooks(hooks),
	)
	s.http = server.NewStreamableHTTPServer(s.core,
		server.WithSessionIdManager(s.sessions),
	)
	return s
}

// AddTool registers a tool. A later tool with the same name replaces it.
func (s *Server) AddTool(tool mcpgo.Tool, handler server.ToolHandlerFunc) {
	s.core.AddTool(tool, handler)
	s.logger.Debug("tool registered", zap.String("tool", tool.Name))
}

// HasSession reports whether id names an open, unexpired session.
func (s *Server) HasSession(id string) bool {
	return s.sessions.exists(id)
}

// SessionCount returns the number of open MCP sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}
