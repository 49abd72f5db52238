// Package portal drives the iLearn and MyFCU web portals.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"github.com/ahrdadan/fcumcp/internal/browser"
)

// ErrEventsTimeout is returned when the upcoming events block never renders.
var ErrEventsTimeout = errors.New("timeout while waiting for future events")

const (
	ilearnLoginPath = "/login/index.php"
	ilearnHomePath  = "/my/"

	// Moodle renders .logininfo in the page header.
	ilearnLoginInfo = ".logininfo"
)

// Options holds settings shared by both portals.
type Options struct {
	BaseURL     string
	ElementWait time.Duration
	PageTimeout time.Duration
	DumpDir     string
}

// ILearnOptions configures the iLearn client.
type ILearnOptions struct {
	Options
	EventsBlockID string
}

// ILearn is the Moodle-based learning-management system.
type ILearn struct {
	opts   ILearnOptions
	base   *url.URL
	logger *zap.Logger
}

// NewILearn creates an iLearn client.
func NewILearn(opts ILearnOptions, logger *zap.Logger) (*ILearn, error) {
	base, err := parseBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.EventsBlockID == "" {
		return nil, errors.New("ilearn events block id is required")
	}
	return &ILearn{
		opts:   opts,
		base:   base,
		logger: logger.Named("ilearn"),
	}, nil
}

// Login submits the login form and reports whether the logged-in header appeared.
func (c *ILearn) Login(ctx context.Context, b browser.PageOpener, username, password string) (bool, error) {
	page, cleanup, err := browser.Open(ctx, b, c.url(ilearnLoginPath), c.pageOptions())
	if err != nil {
		return false, err
	}
	defer cleanup()

	if err := browser.Fill(page, "#username", username); err != nil {
		return false, err
	}
	if err := browser.Fill(page, "#password", password); err != nil {
		return false, err
	}
	if err := browser.ClickAndWait(page, "#loginbtn"); err != nil {
		return false, err
	}

	if c.opts.DumpDir != "" {
		if html, err := page.HTML(); err == nil {
			dump(c.logger, c.opts.DumpDir, "ilearn.html", html)
		}
	}

	_, err = browser.WaitElement(page, ilearnLoginInfo, c.opts.ElementWait)
	if errors.Is(err, browser.ErrElementTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsLoggedIn opens the front page and checks for the logged-in header.
// Any failure counts as logged out.
func (c *ILearn) IsLoggedIn(ctx context.Context, b browser.PageOpener) bool {
	page, cleanup, err := browser.Open(ctx, b, c.url("/"), c.pageOptions())
	if err != nil {
		c.logger.Debug("login check failed", zap.Error(err))
		return false
	}
	defer cleanup()

	ok, err := browser.HasElement(page, ilearnLoginInfo)
	if err != nil {
		c.logger.Debug("login check failed", zap.Error(err))
		return false
	}
	return ok
}

// FutureEvents scrapes the upcoming events block on the dashboard.
// A block that never renders is ErrEventsTimeout; any other scraping
// failure is logged and yields an empty list.
func (c *ILearn) FutureEvents(ctx context.Context, b browser.PageOpener) ([]Event, error) {
	page, cleanup, err := browser.Open(ctx, b, c.url(ilearnHomePath), c.pageOptions())
	if err != nil {
		c.logger.Error("error while fetching future events", zap.Error(err))
		return []Event{}, nil
	}
	defer cleanup()

	block, err := browser.WaitElement(page, "#"+c.opts.EventsBlockID, c.opts.ElementWait)
	if errors.Is(err, browser.ErrElementTimeout) {
		return nil, ErrEventsTimeout
	}
	if err != nil {
		c.logger.Error("error while fetching future events", zap.Error(err))
		return []Event{}, nil
	}

	html, err := block.HTML()
	if err != nil {
		c.logger.Error("error while fetching future events", zap.Error(err))
		return []Event{}, nil
	}

	events, err := ParseEvents(html, c.documentBase(page))
	if err != nil {
		c.logger.Error("error while fetching future events", zap.Error(err))
		return []Event{}, nil
	}
	return events, nil
}

// documentBase is the URL relative links on page resolve against, falling
// back to the dashboard URL.
func (c *ILearn) documentBase(page *rod.Page) *url.URL {
	fallback, _ := url.Parse(c.url(ilearnHomePath))

	raw, err := browser.EvalString(page, `() => document.baseURI`)
	if err != nil {
		c.logger.Debug("failed to read page url", zap.Error(err))
		return fallback
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fallback
	}
	return u
}

func (c *ILearn) url(path string) string {
	return joinURL(c.base, path)
}

func (c *ILearn) pageOptions() browser.PageOptions {
	return pageOptions(c.opts.Options)
}

func pageOptions(opts Options) browser.PageOptions {
	po := browser.DefaultPageOptions()
	if opts.PageTimeout > 0 {
		po.Timeout = opts.PageTimeout
	}
	return po
}

func parseBase(raw string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid portal url %q: %w", raw, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid portal url %q: scheme and host required", raw)
	}
	return base, nil
}

func joinURL(base *url.URL, path string) string {
	return strings.TrimRight(base.String(), "/") + path
}

func dump(logger *zap.Logger, dir, name, content string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("failed to create dump dir", zap.String("dir", dir), zap.Error(err))
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		logger.Warn("failed to write page dump", zap.String("path", path), zap.Error(err))
	}
}
