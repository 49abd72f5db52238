package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ErrElementTimeout is returned when an awaited element does not appear in time.
var ErrElementTimeout = errors.New("timed out waiting for element")

// PageOpener opens tabs in a running browser.
type PageOpener interface {
	NewPage(ctx context.Context) (*rod.Page, error)
}

// PageOptions represents options for page operations
type PageOptions struct {
	Timeout     time.Duration
	WaitForLoad bool
}

// DefaultPageOptions returns default page options
func DefaultPageOptions() PageOptions {
	return PageOptions{
		Timeout:     30 * time.Second,
		WaitForLoad: true,
	}
}

// Open creates a tab, navigates to url and optionally waits for the load
// event. The page is bound to ctx and opts.Timeout; the returned cleanup
// closes the tab even after that deadline has passed.
func Open(ctx context.Context, opener PageOpener, url string, opts PageOptions) (*rod.Page, func(), error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)

	page, err := opener.NewPage(ctx)
	if err != nil {
		cancel()
		return nil, noopCleanup, err
	}

	cleanup := func() {
		_ = page.Context(context.Background()).Close()
		cancel()
	}

	if err := page.Navigate(url); err != nil {
		cleanup()
		return nil, noopCleanup, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	if opts.WaitForLoad {
		if err := page.WaitLoad(); err != nil {
			cleanup()
			return nil, noopCleanup, fmt.Errorf("failed to wait for page load: %w", err)
		}
	}

	return page, cleanup, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func noopCleanup() {}

// WaitElement waits up to wait for selector to appear.
func WaitElement(page *rod.Page, selector string, wait time.Duration) (*rod.Element, error) {
	el, err := page.Timeout(wait).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrElementTimeout, selector)
		}
		return nil, fmt.Errorf("failed to find %s: %w", selector, err)
	}
	return el.CancelTimeout(), nil
}

// HasElement reports whether selector is present right now, without waiting.
func HasElement(page *rod.Page, selector string) (bool, error) {
	has, _, err := page.Has(selector)
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", selector, err)
	}
	return has, nil
}

// Fill types value into the element matched by selector.
func Fill(page *rod.Page, selector, value string) error {
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", selector)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("failed to input value for %s: %w", selector, err)
	}
	return nil
}

// ClickAndWait clicks selector and waits for the navigation it triggers.
func ClickAndWait(page *rod.Page, selector string) error {
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", selector)
	}

	wait := page.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	wait()
	return nil
}

// CookieNames returns the names of all cookies visible to the page's URL.
func CookieNames(page *rod.Page) (map[string]bool, error) {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	names := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		names[c.Name] = true
	}
	return names, nil
}

// EvalString runs js with args and returns its result as a string.
func EvalString(page *rod.Page, js string, args ...interface{}) (string, error) {
	res, err := page.Eval(js, args...)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate script: %w", err)
	}
	return res.Value.Str(), nil
}
