package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrdadan/fcumcp/internal/browser"
	"github.com/ahrdadan/fcumcp/internal/events"
	"github.com/ahrdadan/fcumcp/internal/portal"
	"github.com/ahrdadan/fcumcp/internal/session"
)

type stubBrowser struct {
	closed atomic.Bool
}

func (b *stubBrowser) NewPage(context.Context) (*rod.Page, error) {
	return nil, errors.New("no pages in tests")
}

func (b *stubBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

// portalState tracks login state per browser the way a real portal's cookies would.
type portalState struct {
	mu       sync.Mutex
	loggedIn map[browser.PageOpener]bool
	password string
	checks   atomic.Int32
	loginErr error
}

func newPortalState(password string) *portalState {
	return &portalState{loggedIn: make(map[browser.PageOpener]bool), password: password}
}

func (p *portalState) Login(_ context.Context, b browser.PageOpener, _, password string) (bool, error) {
	if p.loginErr != nil {
		return false, p.loginErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := password == p.password
	p.loggedIn[b] = ok
	return ok, nil
}

func (p *portalState) IsLoggedIn(_ context.Context, b browser.PageOpener) bool {
	p.checks.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loggedIn[b]
}

type fakeILearn struct {
	*portalState
	events    []portal.Event
	eventsErr error
}

func (f *fakeILearn) FutureEvents(context.Context, browser.PageOpener) ([]portal.Event, error) {
	return f.events, f.eventsErr
}

type fakeMyFCU struct {
	*portalState
	year, semester int
	courses        json.RawMessage
	coursesErr     error
}

func (f *fakeMyFCU) CourseList(_ context.Context, _ browser.PageOpener, year, semester int) (json.RawMessage, error) {
	f.year, f.semester = year, semester
	return f.courses, f.coursesErr
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) ObserveToolCall(tool, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tool+":"+status)
}

type harness struct {
	svc      *Service
	sessions *session.Manager
	ilearn   *fakeILearn
	myfcu    *fakeMyFCU
	hub      *events.Hub
	recorder *recorder
	launches atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ilearn:   &fakeILearn{portalState: newPortalState("secret")},
		myfcu:    &fakeMyFCU{portalState: newPortalState("secret")},
		hub:      events.NewHub(),
		recorder: &recorder{},
	}
	h.sessions = session.NewManager(session.LauncherFunc(func(context.Context) (session.Handle, error) {
		h.launches.Add(1)
		return &stubBrowser{}, nil
	}), zap.NewNop(), session.Options{})
	t.Cleanup(func() { _ = h.sessions.CloseAll() })

	h.svc = NewService(h.sessions, h.ilearn, h.myfcu, zap.NewNop(),
		WithPublisher(events.NewBus(h.hub, zap.NewNop())),
		WithRecorder(h.recorder))
	return h
}

func TestLoginFreshUser(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe("d1234567")

	env := h.svc.Login(context.Background(), "d1234567", "secret")
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "User d1234567 logged in to both iLearn and MyFCU successfully", env.Message)
	assert.Equal(t, int32(1), h.launches.Load())

	// A fresh browser skips the liveness checks.
	assert.Equal(t, int32(0), h.ilearn.checks.Load())

	ev := <-sub
	assert.Equal(t, "login", ev.Tool)
	assert.Equal(t, "success", ev.Status)
	assert.NotContains(t, ev.Message, "secret")
	assert.Equal(t, []string{"login:success"}, h.recorder.calls)
}

func TestLoginAlreadyLoggedIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, "success", h.svc.Login(ctx, "alice", "secret").Status)
	env := h.svc.Login(ctx, "alice", "secret")

	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "User alice is already logged in to both iLearn and MyFCU", env.Message)
	assert.Equal(t, int32(1), h.launches.Load())
	assert.Equal(t, int32(1), h.ilearn.checks.Load())
	assert.Equal(t, int32(1), h.myfcu.checks.Load())
}

func TestLoginInvalidILearn(t *testing.T) {
	h := newHarness(t)
	h.ilearn.password = "other"

	env := h.svc.Login(context.Background(), "alice", "secret")
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "Invalid iLearn username or password", env.Message)
	assert.True(t, env.IsError())
}

func TestLoginInvalidMyFCU(t *testing.T) {
	h := newHarness(t)
	h.myfcu.password = "other"

	env := h.svc.Login(context.Background(), "alice", "secret")
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "Invalid MyFCU username or password", env.Message)
}

func TestLoginPortalErrorCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.ilearn.loginErr = browser.ErrClosed

	env := h.svc.Login(context.Background(), "alice", "secret")
	assert.Equal(t, "Invalid iLearn username or password", env.Message)
}

func TestLoginOnlyMissingPortal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, "success", h.svc.Login(ctx, "alice", "secret").Status)

	// MyFCU session expired; iLearn is still live.
	sess, ok := h.sessions.Lookup("alice")
	require.True(t, ok)
	h.myfcu.mu.Lock()
	h.myfcu.loggedIn[sess.Browser()] = false
	h.myfcu.mu.Unlock()

	h.ilearn.password = "changed"
	env := h.svc.Login(ctx, "alice", "secret")
	assert.Equal(t, "User alice logged in to both iLearn and MyFCU successfully", env.Message)
}

func TestFutureEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := h.svc.FutureEvents(ctx, "alice")
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "User iLearn is not logged in", env.Message)
	assert.Equal(t, int32(0), h.launches.Load())

	require.Equal(t, "success", h.svc.Login(ctx, "alice", "secret").Status)
	h.ilearn.events = []portal.Event{{Title: "Homework 1", Link: "https://ilearn.fcu.edu.tw/x", Date: "Tomorrow"}}

	env = h.svc.FutureEvents(ctx, "alice")
	require.Equal(t, "success", env.Status)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","events":[{"title":"Homework 1","link":"https://ilearn.fcu.edu.tw/x","date":"Tomorrow"}]}`, string(data))
}

func TestFutureEventsEmptyAndTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, "success", h.svc.Login(ctx, "alice", "secret").Status)

	data, err := json.Marshal(h.svc.FutureEvents(ctx, "alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","events":[]}`, string(data))

	h.ilearn.eventsErr = portal.ErrEventsTimeout
	env := h.svc.FutureEvents(ctx, "alice")
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "timeout while waiting for future events", env.Message)
}

func TestCourseList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := h.svc.CourseList(ctx, "alice", 114, 1)
	assert.Equal(t, "User MyFCU is not logged in", env.Message)

	require.Equal(t, "success", h.svc.Login(ctx, "alice", "secret").Status)
	env = h.svc.CourseList(ctx, "alice", 114, 1)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","courses":[]}`, string(data))

	h.myfcu.courses = json.RawMessage(`[{"sub_name":"Compilers"}]`)

	env = h.svc.CourseList(ctx, "alice", 114, 2)
	data, err = json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","courses":[{"sub_name":"Compilers"}]}`, string(data))
	assert.Equal(t, 114, h.myfcu.year)
	assert.Equal(t, 2, h.myfcu.semester)

	h.myfcu.coursesErr = errors.New("unexpected course list response")
	env = h.svc.CourseList(ctx, "alice", 114, 2)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "unexpected course list response", env.Message)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := h.svc.Logout(ctx, "alice")
	assert.Equal(t, "User alice has no active session", env.Message)

	require.Equal(t, "success", h.svc.Login(ctx, "alice", "secret").Status)
	sess, _ := h.sessions.Lookup("alice")
	stub := sess.Browser().(*stubBrowser)

	env = h.svc.Logout(ctx, "alice")
	assert.Equal(t, "User alice logged out", env.Message)
	assert.True(t, stub.closed.Load())
	assert.Equal(t, "User iLearn is not logged in", h.svc.FutureEvents(ctx, "alice").Message)
}

func TestConcurrentLoginsShareOneBrowser(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "success", h.svc.Login(context.Background(), "alice", "secret").Status)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), h.launches.Load())
}

type toolReply struct {
	Result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code int `json:"code"`
	} `json:"error"`
}

func callTool(t *testing.T, srv *server.MCPServer, params string) toolReply {
	t.Helper()
	msg := srv.HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":`+params+`}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var reply toolReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Nil(t, reply.Error)
	require.Len(t, reply.Result.Content, 1)
	return reply
}

func newToolServer(t *testing.T, h *harness) *server.MCPServer {
	t.Helper()
	srv := server.NewMCPServer("fcu", "test", server.WithToolCapabilities(false))
	Register(srv, h.svc)
	return srv
}

func TestRegister(t *testing.T) {
	h := newHarness(t)
	srv := newToolServer(t, h)

	msg := srv.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	var list struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				InputSchema struct {
					Required []string `json:"required"`
				} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	required := make(map[string][]string)
	for _, tool := range list.Result.Tools {
		required[tool.Name] = tool.InputSchema.Required
	}
	assert.ElementsMatch(t, []string{"username", "password"}, required["login"])
	assert.ElementsMatch(t, []string{"username"}, required["get_future_events"])
	assert.ElementsMatch(t, []string{"username", "year", "semester"}, required["get_course_list"])
	assert.ElementsMatch(t, []string{"username"}, required["logout"])

	reply := callTool(t, srv, `{"name":"get_course_list","arguments":{"username":"alice","year":114,"semester":1}}`)
	assert.True(t, reply.Result.IsError)
	assert.JSONEq(t, `{"status":"error","message":"User MyFCU is not logged in"}`, reply.Result.Content[0].Text)

	reply = callTool(t, srv, `{"name":"login","arguments":{"username":"alice","password":"secret"}}`)
	assert.False(t, reply.Result.IsError)
	assert.JSONEq(t, `{"status":"success","message":"User alice logged in to both iLearn and MyFCU successfully"}`, reply.Result.Content[0].Text)

	reply = callTool(t, srv, `{"name":"login","arguments":{"username":"alice"}}`)
	assert.True(t, reply.Result.IsError)
	assert.Contains(t, reply.Result.Content[0].Text, "password")
}

func TestCourseListRequiresYearAndSemester(t *testing.T) {
	h := newHarness(t)
	srv := newToolServer(t, h)

	reply := callTool(t, srv, `{"name":"login","arguments":{"username":"alice","password":"secret"}}`)
	require.False(t, reply.Result.IsError)
	h.myfcu.year, h.myfcu.semester = -1, -1

	reply = callTool(t, srv, `{"name":"get_course_list","arguments":{"username":"alice"}}`)
	assert.True(t, reply.Result.IsError)
	assert.JSONEq(t, `{"status":"error","message":"missing or invalid argument: year, semester"}`, reply.Result.Content[0].Text)

	reply = callTool(t, srv, `{"name":"get_course_list","arguments":{"username":"alice","year":"soon","semester":1}}`)
	assert.True(t, reply.Result.IsError)
	assert.Contains(t, reply.Result.Content[0].Text, "year")

	// The portal was never asked.
	assert.Equal(t, -1, h.myfcu.year)
	assert.Equal(t, -1, h.myfcu.semester)

	reply = callTool(t, srv, `{"name":"get_course_list","arguments":{"username":"alice","year":114,"semester":2}}`)
	assert.False(t, reply.Result.IsError)
	assert.Equal(t, 114, h.myfcu.year)
	assert.Equal(t, 2, h.myfcu.semester)
}
