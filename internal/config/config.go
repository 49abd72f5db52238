package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// Version is the current version of the server
	Version = "1"
	// AppName is the application name
	AppName = "FCU MCP Server"
	// ServerName is the name reported to MCP clients
	ServerName = "fcu"
)

// Config holds all configuration options for the server
type Config struct {
	// Server
	Host string `envconfig:"HOST"`
	Port int    `envconfig:"PORT"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL"`
	LogDev   bool   `envconfig:"LOG_DEV"`

	// Chrome
	ChromeBin          string `envconfig:"CHROME_BIN"`
	ChromeAutoDownload bool   `envconfig:"CHROME_AUTO_DOWNLOAD"`
	ChromeHeadless     bool   `envconfig:"CHROME_HEADLESS"`

	// Portals
	ILearnURL         string        `envconfig:"ILEARN_URL"`
	MyFCUURL          string        `envconfig:"MYFCU_URL"`
	ILearnEventsBlock string        `envconfig:"ILEARN_EVENTS_BLOCK"`
	ElementWait       time.Duration `envconfig:"ELEMENT_WAIT"`
	PageTimeout       time.Duration `envconfig:"PAGE_TIMEOUT"`
	DumpDir           string        `envconfig:"DUMP_DIR"` // page snapshots after login, empty disables

	// Sessions
	SessionIdleTTL time.Duration `envconfig:"SESSION_IDLE_TTL"` // 0 keeps sessions until logout
	MCPMaxSessions int           `envconfig:"MCP_MAX_SESSIONS"`
	MCPSessionTTL  time.Duration `envconfig:"MCP_SESSION_TTL"`

	// Events
	NatsURL string `envconfig:"NATS_URL"` // empty disables the JetStream sink

	// Security
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST"`

	// Flags
	EnvFile     string `ignored:"true"`
	ShowVersion bool   `ignored:"true"`
	ShowHelp    bool   `ignored:"true"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               8000,
		LogLevel:           "info",
		LogDev:             false,
		ChromeBin:          "",
		ChromeAutoDownload: true,
		ChromeHeadless:     true,
		ILearnURL:          "https://ilearn.fcu.edu.tw",
		MyFCUURL:           "https://myfcu.fcu.edu.tw",
		ILearnEventsBlock:  "inst1102471",
		ElementWait:        3 * time.Second,
		PageTimeout:        30 * time.Second,
		SessionIdleTTL:     0,
		MCPMaxSessions:     1024,
		MCPSessionTTL:      30 * time.Minute,
		RateLimitRPS:       5,
		RateLimitBurst:     10,
		EnvFile:            ".env",
	}
}

// LoadEnv overlays the .env file and the process environment onto cfg.
// A missing .env file is not an error.
func LoadEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("failed to load environment: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, .env, environment and the given arguments.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	envFile := envFileFromArgs(args, cfg.EnvFile)
	if err := LoadEnv(cfg, envFile); err != nil {
		return nil, err
	}

	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseFlags parses command line flags and returns the config
func ParseFlags() *Config {
	cfg, err := Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		PrintHelp()
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Server flags
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind the server")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port number for the server")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Path to the .env file")

	// Logging flags
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "Human readable development logs")

	// Chrome flags
	fs.StringVar(&cfg.ChromeBin, "chrome-bin", cfg.ChromeBin, "Path to the Chrome binary")
	fs.BoolVar(&cfg.ChromeAutoDownload, "chrome-autodl", cfg.ChromeAutoDownload, "Download Chromium when no browser is found")
	fs.BoolVar(&cfg.ChromeHeadless, "headless", cfg.ChromeHeadless, "Run Chrome headless")

	// Portal flags
	fs.StringVar(&cfg.ILearnURL, "ilearn-url", cfg.ILearnURL, "iLearn base URL")
	fs.StringVar(&cfg.MyFCUURL, "myfcu-url", cfg.MyFCUURL, "MyFCU base URL")
	fs.StringVar(&cfg.ILearnEventsBlock, "ilearn-events-block", cfg.ILearnEventsBlock, "Element id of the iLearn upcoming events block")
	fs.DurationVar(&cfg.ElementWait, "element-wait", cfg.ElementWait, "How long to wait for page elements")
	fs.DurationVar(&cfg.PageTimeout, "page-timeout", cfg.PageTimeout, "Timeout for a single page operation")
	fs.StringVar(&cfg.DumpDir, "dump-dir", cfg.DumpDir, "Directory for post-login page snapshots")

	// Session flags
	fs.DurationVar(&cfg.SessionIdleTTL, "session-idle-ttl", cfg.SessionIdleTTL, "Close browser sessions idle for this long (0 disables)")
	fs.IntVar(&cfg.MCPMaxSessions, "mcp-max-sessions", cfg.MCPMaxSessions, "Open MCP sessions kept before the oldest is evicted")
	fs.DurationVar(&cfg.MCPSessionTTL, "mcp-session-ttl", cfg.MCPSessionTTL, "Expire MCP sessions idle for this long")

	// Event flags
	fs.StringVar(&cfg.NatsURL, "nats-url", cfg.NatsURL, "NATS server URL for tool events")

	// Security flags
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit", cfg.RateLimitRPS, "MCP requests per second per client")
	fs.IntVar(&cfg.RateLimitBurst, "rate-burst", cfg.RateLimitBurst, "MCP request burst per client")

	// Other flags
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help message")

	return fs
}

// envFileFromArgs finds --env-file before the flag set is built, since the
// file has to be applied underneath the flags.
func envFileFromArgs(args []string, def string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == "env-file" && i+1 < len(args) {
			return args[i+1]
		}
		if value, ok := strings.CutPrefix(name, "env-file="); ok {
			return value
		}
	}
	return def
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ElementWait <= 0 {
		return fmt.Errorf("element wait must be positive, got %s", c.ElementWait)
	}
	if c.PageTimeout <= 0 {
		return fmt.Errorf("page timeout must be positive, got %s", c.PageTimeout)
	}
	if c.SessionIdleTTL < 0 {
		return fmt.Errorf("session idle ttl must not be negative, got %s", c.SessionIdleTTL)
	}
	if c.MCPMaxSessions < 1 {
		return fmt.Errorf("mcp max sessions must be at least 1, got %d", c.MCPMaxSessions)
	}
	if c.MCPSessionTTL <= 0 {
		return fmt.Errorf("mcp session ttl must be positive, got %s", c.MCPSessionTTL)
	}
	if c.ILearnURL == "" || c.MyFCUURL == "" {
		return errors.New("portal URLs must not be empty")
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 5
	}
	if c.RateLimitBurst < 1 {
		c.RateLimitBurst = 1
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PrintVersion prints version information
func PrintVersion() {
	fmt.Printf("%s v%s\n", AppName, Version)
}

// PrintHelp prints help information
func PrintHelp() {
	def := DefaultConfig()
	fmt.Printf(`%s v%s

Usage:
  ./server [flags]

Every flag can also be set through the environment or a .env file
(PORT, HOST, LOG_LEVEL, CHROME_BIN, NATS_URL, ...).

Server:
  --host                %s
  --port                %d
  --env-file            %s

Logging:
  --log-level           %s
  --log-dev             %v

Chrome:
  --chrome-bin          (auto)
  --chrome-autodl       %v
  --headless            %v

Portals:
  --ilearn-url          %s
  --myfcu-url           %s
  --ilearn-events-block %s
  --element-wait        %s
  --page-timeout        %s
  --dump-dir            (disabled)

Sessions:
  --session-idle-ttl    %s (0 disables)
  --mcp-max-sessions    %d
  --mcp-session-ttl     %s

Events:
  --nats-url            (disabled)

Security:
  --rate-limit          %v (requests per second)
  --rate-burst          %d

Other:
  --version             show version
  --help                show this help

`, AppName, Version,
		def.Host, def.Port, def.EnvFile,
		def.LogLevel, def.LogDev,
		def.ChromeAutoDownload, def.ChromeHeadless,
		def.ILearnURL, def.MyFCUURL, def.ILearnEventsBlock, def.ElementWait, def.PageTimeout,
		def.SessionIdleTTL, def.MCPMaxSessions, def.MCPSessionTTL,
		def.RateLimitRPS, def.RateLimitBurst)
}

// HandleFlags handles version and help flags, exits if needed
func HandleFlags(cfg *Config) {
	if cfg.ShowVersion {
		PrintVersion()
		os.Exit(0)
	}

	if cfg.ShowHelp {
		PrintHelp()
		os.Exit(0)
	}
}
