package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/ahrdadan/fcumcp/internal/browser"
)

const (
	myfcuLoginPath      = "/main/infomyfculogin.aspx"
	myfcuCourseListPath = "/main/S3202/S3202_timetable_new.aspx/GetLineCourseList"

	// SessionCookie marks an authenticated MyFCU browser.
	SessionCookie = "ASP.NET_SessionId"
)

// courseListJS posts to the page method from inside the portal's origin so
// the session cookie rides along.
const courseListJS = `(url, body) => {
	const xhr = new XMLHttpRequest();
	xhr.open("POST", url, false);
	xhr.setRequestHeader("Content-Type", "application/json");
	xhr.send(body);
	return xhr.responseText;
}`

// MyFCU is the ASP.NET student-information system.
type MyFCU struct {
	opts   Options
	base   *url.URL
	logger *zap.Logger
}

// NewMyFCU creates a MyFCU client.
func NewMyFCU(opts Options, logger *zap.Logger) (*MyFCU, error) {
	base, err := parseBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	return &MyFCU{
		opts:   opts,
		base:   base,
		logger: logger.Named("myfcu"),
	}, nil
}

// Login submits the login form and reports whether a session cookie was issued.
func (c *MyFCU) Login(ctx context.Context, b browser.PageOpener, username, password string) (bool, error) {
	page, cleanup, err := browser.Open(ctx, b, c.url(myfcuLoginPath), pageOptions(c.opts))
	if err != nil {
		return false, err
	}
	defer cleanup()

	if err := browser.Fill(page, "#txtUserName", username); err != nil {
		return false, err
	}
	if err := browser.Fill(page, "#txtPassword", password); err != nil {
		return false, err
	}
	if err := browser.ClickAndWait(page, "#OKButton"); err != nil {
		return false, err
	}

	if c.opts.DumpDir != "" {
		if html, err := page.HTML(); err == nil {
			dump(c.logger, c.opts.DumpDir, "myfcu.html", html)
		}
	}

	names, err := browser.CookieNames(page)
	if err != nil {
		c.logger.Debug("cookie check failed", zap.Error(err))
		return false, nil
	}
	return names[SessionCookie], nil
}

// IsLoggedIn opens the front page and checks for the session cookie.
// Any failure counts as logged out.
func (c *MyFCU) IsLoggedIn(ctx context.Context, b browser.PageOpener) bool {
	page, cleanup, err := browser.Open(ctx, b, c.url("/"), pageOptions(c.opts))
	if err != nil {
		c.logger.Debug("login check failed", zap.Error(err))
		return false
	}
	defer cleanup()

	names, err := browser.CookieNames(page)
	if err != nil {
		c.logger.Debug("login check failed", zap.Error(err))
		return false
	}
	return names[SessionCookie]
}

// CourseList fetches the timetable courses for an academic year and semester.
func (c *MyFCU) CourseList(ctx context.Context, b browser.PageOpener, year, semester int) (json.RawMessage, error) {
	endpoint := c.url(myfcuCourseListPath)

	// The portal spells the field "smester".
	body, err := json.Marshal(map[string]int{
		"year":    year,
		"smester": semester,
	})
	if err != nil {
		return nil, err
	}

	page, cleanup, err := browser.Open(ctx, b, endpoint, pageOptions(c.opts))
	if err != nil {
		c.logger.Error("error while fetching course list", zap.Error(err))
		return nil, err
	}
	defer cleanup()

	text, err := browser.EvalString(page, courseListJS, endpoint, string(body))
	if err != nil {
		c.logger.Error("error while fetching course list", zap.Error(err))
		return nil, err
	}

	courses, err := ParseCourseList(text)
	if err != nil {
		c.logger.Error("error while fetching course list", zap.Error(err))
		return nil, fmt.Errorf("unexpected course list response: %w", err)
	}
	return courses, nil
}

func (c *MyFCU) url(path string) string {
	return joinURL(c.base, path)
}
