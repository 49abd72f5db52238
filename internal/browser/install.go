package browser

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"
)

// ErrChromeNotFound is returned when no browser binary is available and
// downloading is disabled.
var ErrChromeNotFound = errors.New("chrome binary not found")

// ResolveChrome finds the browser binary to launch. An explicit path wins,
// then any Chrome/Chromium installed on the system, then a Chromium build
// downloaded by rod when autoDownload is set.
func ResolveChrome(ctx context.Context, binPath string, autoDownload bool, logger *zap.Logger) (string, error) {
	if binPath != "" {
		if _, err := os.Stat(binPath); err != nil {
			return "", fmt.Errorf("chrome binary %s: %w", binPath, err)
		}
		return binPath, nil
	}

	if path, ok := launcher.LookPath(); ok {
		logger.Info("using system chrome", zap.String("path", path))
		return path, nil
	}

	if !autoDownload {
		return "", ErrChromeNotFound
	}

	logger.Info("no chrome found, downloading chromium")
	downloader := launcher.NewBrowser()
	downloader.Context = ctx

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}

	logger.Info("chromium downloaded", zap.String("path", path))
	return path, nil
}
