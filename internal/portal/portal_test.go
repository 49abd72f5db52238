package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrdadan/fcumcp/internal/browser"
)

// launchChrome starts a private Chrome for one test, skipping when none is installed.
func launchChrome(t *testing.T) browser.PageOpener {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	bin, found := launcher.LookPath()
	if !found {
		t.Skip("no Chrome or Chromium found")
	}

	inst, err := browser.NewLauncher(browser.LaunchOptions{BinPath: bin, Headless: true}, zap.NewNop()).
		Launch(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:     baseURL,
		ElementWait: time.Second,
		PageTimeout: 15 * time.Second,
	}
}

const moodleLoginPage = `<html><body>
<form method="post" action="/login/index.php">
  <input id="username" name="username">
  <input id="password" name="password" type="password">
  <button id="loginbtn" type="submit">Log in</button>
</form>
</body></html>`

const moodleDashboard = `<html><body>
<div class="logininfo">You are logged in as Alice</div>
<section id="inst42" class="block_calendar_upcoming">
  <div class="event">
    <a class="text-truncate" href="../mod/assign/view.php?id=1">Homework 1 is due</a>
    <div class="date">Monday, 20 October, 23:59</div>
  </div>
  <div class="event">
    <a class="text-truncate" href="calendar/view.php?view=day">Lab report</a>
    <div class="date">Tomorrow, 09:00</div>
  </div>
</section>
</body></html>`

// fakeILearn serves a Moodle-like login flow keyed on the MoodleSession cookie.
func fakeILearn(t *testing.T) *httptest.Server {
	t.Helper()
	loggedIn := func(r *http.Request) bool {
		c, err := r.Cookie("MoodleSession")
		return err == nil && c.Value == "alice"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /login/index.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, moodleLoginPage)
	})
	mux.HandleFunc("POST /login/index.php", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != "alice" || r.FormValue("password") != "secret" {
			fmt.Fprint(w, moodleLoginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "MoodleSession", Value: "alice", Path: "/"})
		http.Redirect(w, r, "/my/", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /my/", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn(r) {
			fmt.Fprint(w, moodleLoginPage)
			return
		}
		fmt.Fprint(w, moodleDashboard)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn(r) {
			fmt.Fprint(w, `<html><body><a href="/login/index.php">Log in</a></body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body><div class="logininfo">You are logged in as Alice</div></body></html>`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestILearnAgainstPortal(t *testing.T) {
	b := launchChrome(t)
	srv := fakeILearn(t)
	ctx := context.Background()

	c, err := NewILearn(ILearnOptions{Options: testOptions(srv.URL), EventsBlockID: "inst42"}, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, c.IsLoggedIn(ctx, b))

	ok, err := c.Login(ctx, b, "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok, "no .logininfo after a rejected password")

	ok, err = c.Login(ctx, b, "alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, c.IsLoggedIn(ctx, b))

	events, err := c.FutureEvents(ctx, b)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{
		Title: "Homework 1 is due",
		Link:  srv.URL + "/mod/assign/view.php?id=1",
		Date:  "Monday, 20 October, 23:59",
	}, events[0])
	assert.Equal(t, srv.URL+"/my/calendar/view.php?view=day", events[1].Link)

	missing, err := NewILearn(ILearnOptions{Options: testOptions(srv.URL), EventsBlockID: "inst404"}, zap.NewNop())
	require.NoError(t, err)
	_, err = missing.FutureEvents(ctx, b)
	assert.ErrorIs(t, err, ErrEventsTimeout)
}

const aspnetLoginPage = `<html><body>
<form method="post" action="/main/infomyfculogin.aspx">
  <input id="txtUserName" name="txtUserName">
  <input id="txtPassword" name="txtPassword" type="password">
  <input id="OKButton" type="submit" value="Login">
</form>
</body></html>`

// fakeMyFCU serves an ASP.NET-like login and the timetable page method.
func fakeMyFCU(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+myfcuLoginPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, aspnetLoginPage)
	})
	mux.HandleFunc("POST "+myfcuLoginPath, func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("txtUserName") != "alice" || r.FormValue("txtPassword") != "secret" {
			fmt.Fprint(w, aspnetLoginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "s3ss10n", Path: "/"})
		http.Redirect(w, r, "/main/default.aspx", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /main/default.aspx", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>Welcome</body></html>`)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>MyFCU</body></html>`)
	})
	mux.HandleFunc("GET "+myfcuCourseListPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body></body></html>`)
	})
	mux.HandleFunc("POST "+myfcuCourseListPath, func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(SessionCookie); err != nil {
			http.Error(w, "<html>Login</html>", http.StatusUnauthorized)
			return
		}
		var req struct {
			Year    int `json:"year"`
			Smester int `json:"smester"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, `{"d":[{"sub_name":"Compilers","year":%d,"smester":%d}]}`, req.Year, req.Smester)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestMyFCUAgainstPortal(t *testing.T) {
	b := launchChrome(t)
	srv := fakeMyFCU(t)
	ctx := context.Background()

	c, err := NewMyFCU(testOptions(srv.URL), zap.NewNop())
	require.NoError(t, err)

	assert.False(t, c.IsLoggedIn(ctx, b))

	_, err = c.CourseList(ctx, b, 114, 1)
	require.Error(t, err, "the page method rejects callers without a session")

	ok, err := c.Login(ctx, b, "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Login(ctx, b, "alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, c.IsLoggedIn(ctx, b))

	courses, err := c.CourseList(ctx, b, 114, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"sub_name":"Compilers","year":114,"smester":2}]`, string(courses))
}
