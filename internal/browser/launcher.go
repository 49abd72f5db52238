package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// LaunchOptions configures the Chrome process started for each session.
type LaunchOptions struct {
	BinPath    string
	Headless   bool
	WindowSize string
}

// DefaultLaunchOptions returns the options used for portal sessions.
func DefaultLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Headless:   true,
		WindowSize: "1920,1080",
	}
}

// Launcher starts isolated Chrome instances. Each instance gets its own
// temporary profile directory, so cookies never leak between users.
type Launcher struct {
	opts   LaunchOptions
	logger *zap.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(opts LaunchOptions, logger *zap.Logger) *Launcher {
	if opts.WindowSize == "" {
		opts.WindowSize = DefaultLaunchOptions().WindowSize
	}
	return &Launcher{
		opts:   opts,
		logger: logger,
	}
}

// Launch starts Chrome and connects to it over CDP.
func (l *Launcher) Launch(ctx context.Context) (*Instance, error) {
	// launcher.New assigns a fresh temporary user-data-dir, removed by Cleanup.
	ln := launcher.New().
		Context(ctx).
		Headless(l.opts.Headless).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("window-size", l.opts.WindowSize)
	if l.opts.BinPath != "" {
		ln = ln.Bin(l.opts.BinPath)
	}

	wsURL, err := ln.Launch()
	if err != nil {
		ln.Cleanup()
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		ln.Kill()
		ln.Cleanup()
		return nil, fmt.Errorf("failed to connect to chrome: %w", err)
	}

	l.logger.Debug("chrome started", zap.String("endpoint", wsURL))

	return &Instance{
		launcher: ln,
		browser:  b,
		wsURL:    wsURL,
		logger:   l.logger,
	}, nil
}

// Instance is one running Chrome process.
type Instance struct {
	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	wsURL    string
	closed   bool
	logger   *zap.Logger
}

// NewPage opens a blank tab.
func (i *Instance) NewPage(ctx context.Context) (*rod.Page, error) {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	page, err := i.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		if isConnectionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	return page, nil
}

// Close quits Chrome and removes its profile directory. Safe to call twice.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true

	var closeErr error
	if i.browser != nil {
		if err := i.browser.Close(); err != nil && !isConnectionError(err) {
			closeErr = fmt.Errorf("failed to close chrome: %w", err)
		}
	}
	if i.launcher != nil {
		i.launcher.Kill()
		i.launcher.Cleanup()
	}

	i.logger.Debug("chrome stopped", zap.String("endpoint", i.wsURL))
	return closeErr
}

// ErrClosed is returned when the browser process is gone.
var ErrClosed = errors.New("browser closed")

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "eof")
}
