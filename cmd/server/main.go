package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ahrdadan/fcumcp/internal/api"
	"github.com/ahrdadan/fcumcp/internal/browser"
	"github.com/ahrdadan/fcumcp/internal/config"
	"github.com/ahrdadan/fcumcp/internal/events"
	"github.com/ahrdadan/fcumcp/internal/logging"
	"github.com/ahrdadan/fcumcp/internal/mcp"
	"github.com/ahrdadan/fcumcp/internal/metrics"
	"github.com/ahrdadan/fcumcp/internal/portal"
	"github.com/ahrdadan/fcumcp/internal/session"
	"github.com/ahrdadan/fcumcp/internal/tools"
)

const instructions = "Call login first with the student's FCU credentials. " +
	"The browser session is kept per username, so later calls only need the username."

func main() {
	// Parse CLI flags
	cfg := config.ParseFlags()

	// Handle --version and --help
	config.HandleFlags(cfg)

	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDev,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("app", config.AppName),
		zap.String("version", config.Version),
		zap.String("addr", cfg.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Chrome setup
	chromeBin, err := browser.ResolveChrome(ctx, cfg.ChromeBin, cfg.ChromeAutoDownload, logger)
	if err != nil {
		return fmt.Errorf("failed to resolve chrome: %w", err)
	}
	chrome := browser.NewLauncher(browser.LaunchOptions{
		BinPath:  chromeBin,
		Headless: cfg.ChromeHeadless,
	}, logger.Named("browser"))

	m := metrics.New()

	sessions := session.NewManager(
		session.LauncherFunc(func(ctx context.Context) (session.Handle, error) {
			inst, err := chrome.Launch(ctx)
			if err != nil {
				return nil, err
			}
			return inst, nil
		}),
		logger.Named("session"),
		session.Options{
			IdleTTL:  cfg.SessionIdleTTL,
			OnChange: m.SetBrowserSessions,
		},
	)
	defer func() {
		if err := sessions.CloseAll(); err != nil {
			logger.Warn("failed to close browser sessions", zap.Error(err))
		}
	}()

	// Portals
	portalOpts := portal.Options{
		ElementWait: cfg.ElementWait,
		PageTimeout: cfg.PageTimeout,
		DumpDir:     cfg.DumpDir,
	}
	ilearnOpts := portal.ILearnOptions{Options: portalOpts, EventsBlockID: cfg.ILearnEventsBlock}
	ilearnOpts.BaseURL = cfg.ILearnURL
	ilearn, err := portal.NewILearn(ilearnOpts, logger)
	if err != nil {
		return err
	}
	myfcuOpts := portalOpts
	myfcuOpts.BaseURL = cfg.MyFCUURL
	myfcu, err := portal.NewMyFCU(myfcuOpts, logger)
	if err != nil {
		return err
	}

	// Events, with the JetStream sink when NATS is configured
	hub := events.NewHub()
	defer hub.Close()

	var sinks []events.Sink
	if cfg.NatsURL != "" {
		sink, err := events.ConnectJetStream(ctx, cfg.NatsURL, logger.Named("nats"))
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("failed to drain NATS connection", zap.Error(err))
			}
		}()
		sinks = append(sinks, sink)
	}
	bus := events.NewBus(hub, logger, sinks...)

	// Tools
	svc := tools.NewService(sessions, ilearn, myfcu, logger,
		tools.WithPublisher(bus),
		tools.WithRecorder(m))

	srv := mcp.NewServer(config.ServerName, config.Version, instructions, logger, mcp.Options{
		MaxSessions:    cfg.MCPMaxSessions,
		SessionIdleTTL: cfg.MCPSessionTTL,
	})
	tools.Register(srv, svc)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               config.AppName,
		ErrorHandler:          api.ErrorHandler,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		ExposeHeaders: mcp.SessionHeader,
	}))

	handler := api.NewHandler(sessions, srv, hub, m, logger)
	limiter := api.SetupRoutes(app, handler, api.RouteConfig{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	defer limiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr()), zap.String("mcp", "/mcp"))
		errCh <- app.Listen(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	// Event streams only end when the hub closes.
	hub.Close()

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
