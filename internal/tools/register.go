package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ahrdadan/fcumcp/internal/events"
)

// ToolAdder is the part of an MCP server the tools need.
type ToolAdder interface {
	AddTool(tool mcp.Tool, handler server.ToolHandlerFunc)
}

// Register adds the portal tools to srv.
func Register(srv ToolAdder, svc *Service) {
	username := mcp.WithString("username",
		mcp.Required(),
		mcp.Description("FCU student id used for both portals"))

	srv.AddTool(mcp.NewTool("login",
		mcp.WithDescription("Log in to iLearn and MyFCU, reusing the user's browser session when it is still valid."),
		username,
		mcp.WithString("password", mcp.Required(), mcp.Description("Portal password")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments{req: req}
		user := args.text("username")
		password := args.text("password")
		if err := args.err(); err != nil {
			return invalid(err)
		}
		return toResult(svc.Login(ctx, user, password))
	})

	srv.AddTool(mcp.NewTool("get_future_events",
		mcp.WithDescription("List upcoming iLearn calendar events for a logged-in user."),
		username,
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments{req: req}
		user := args.text("username")
		if err := args.err(); err != nil {
			return invalid(err)
		}
		return toResult(svc.FutureEvents(ctx, user))
	})

	srv.AddTool(mcp.NewTool("get_course_list",
		mcp.WithDescription("List the MyFCU timetable courses of a logged-in user for an academic year and semester."),
		username,
		mcp.WithNumber("year", mcp.Required(), mcp.Description("Academic year in the ROC calendar, e.g. 114")),
		mcp.WithNumber("semester", mcp.Required(), mcp.Description("Semester, 1 or 2")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments{req: req}
		user := args.text("username")
		year := args.integer("year")
		semester := args.integer("semester")
		if err := args.err(); err != nil {
			return invalid(err)
		}
		return toResult(svc.CourseList(ctx, user, year, semester))
	})

	srv.AddTool(mcp.NewTool("logout",
		mcp.WithDescription("Close the user's browser session, logging out of both portals."),
		username,
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments{req: req}
		user := args.text("username")
		if err := args.err(); err != nil {
			return invalid(err)
		}
		return toResult(svc.Logout(ctx, user))
	})
}

// arguments collects every missing or mistyped argument of one call.
type arguments struct {
	req mcp.CallToolRequest
	bad []string
}

func (a *arguments) text(key string) string {
	v, err := a.req.RequireString(key)
	if err != nil || strings.TrimSpace(v) == "" {
		a.bad = append(a.bad, key)
	}
	return v
}

func (a *arguments) integer(key string) int {
	v, err := a.req.RequireInt(key)
	if err != nil {
		a.bad = append(a.bad, key)
	}
	return v
}

func (a *arguments) err() error {
	if len(a.bad) == 0 {
		return nil
	}
	return fmt.Errorf("missing or invalid argument: %s", strings.Join(a.bad, ", "))
}

// invalid rejects a call before any portal is touched.
func invalid(err error) (*mcp.CallToolResult, error) {
	return toResult(Envelope{Status: events.StatusError, Message: err.Error()})
}

func toResult(env Envelope) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = env.IsError()
	return res, nil
}
