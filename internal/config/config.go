package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds all runtime configuration for the accesspbx server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir           string // empty disables CDR persistence
	HTTPPort          int
	SIPPort           int // UDP and TCP
	WSPort            int // websocket transport for browser clients
	BindAddr          string
	Host              string // hostname advertised in Via and Record-Route
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
	LogFile           string // rotate logs into this file instead of stdout
	LogMaxSizeMB      int
	LogMaxBackups     int
	LogMaxAgeDays     int
	RateLimit         float64 // messages per second per source, 0 disables
	RateBurst         int
	EventBuffer       int
	RegistrationSweep time.Duration // 0 disables the background sweep
	CORSOrigins       string        // comma-separated origins allowed to call the HTTP API
	SIPTrace          string        // off, headers or full
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultSIPPort           = 5060
	defaultWSPort            = 8088
	defaultBindAddr          = "0.0.0.0"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultLogMaxSizeMB      = 100
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 28
	defaultRateLimit         = 50
	defaultRateBurst         = 100
	defaultEventBuffer       = 256
	defaultRegistrationSweep = 30 * time.Second
	defaultSIPTrace          = "off"
)

// envPrefix is the prefix for all accesspbx environment variables.
const envPrefix = "ACCESSPBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("accesspbx", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the CDR database (empty disables persistence)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.WSPort, "ws-port", defaultWSPort, "SIP websocket listen port")
	fs.StringVar(&cfg.BindAddr, "bind-addr", defaultBindAddr, "address all listeners bind to")
	fs.StringVar(&cfg.Host, "sip-host", "", "hostname advertised in Via headers (machine hostname if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "write logs to this file with rotation instead of stdout")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size-mb", defaultLogMaxSizeMB, "rotate the log file after this many megabytes")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", defaultLogMaxBackups, "number of rotated log files to keep")
	fs.IntVar(&cfg.LogMaxAgeDays, "log-max-age-days", defaultLogMaxAgeDays, "days to keep rotated log files")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", defaultRateLimit, "SIP messages per second allowed per source (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", defaultRateBurst, "burst size for the per-source rate limit")
	fs.IntVar(&cfg.EventBuffer, "event-buffer", defaultEventBuffer, "capacity of the outbound event queue")
	fs.DurationVar(&cfg.RegistrationSweep, "registration-sweep", defaultRegistrationSweep, "interval of the expired registration sweep (0 disables)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "log raw SIP messages at debug level (off, headers, full)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated origins allowed to use the HTTP API and event stream (* for any)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		// The flag's own parser applies the value to the bound field, so
		// ints, floats and durations share one path. Numeric flags zero
		// the field on a parse error, hence the restore.
		prev := f.Value.String()
		if err := f.Value.Set(val); err != nil {
			_ = f.Value.Set(prev)
			slog.Warn("ignoring invalid environment override",
				"env", envVar,
				"value", val,
				"error", err,
			)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	ports := map[string]int{"http-port": c.HTTPPort, "sip-port": c.SIPPort, "ws-port": c.WSPort}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	if c.SIPPort == c.WSPort || c.SIPPort == c.HTTPPort || c.WSPort == c.HTTPPort {
		return fmt.Errorf("sip-port, ws-port and http-port must differ, got %d, %d and %d", c.SIPPort, c.WSPort, c.HTTPPort)
	}
	if net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("bind-addr must be an IP address, got %q", c.BindAddr)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTraces := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTraces[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %v", c.RateLimit)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("rate-burst must be at least 1, got %d", c.RateBurst)
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event-buffer must be at least 1, got %d", c.EventBuffer)
	}
	if c.RegistrationSweep < 0 {
		return fmt.Errorf("registration-sweep must not be negative, got %s", c.RegistrationSweep)
	}
	if c.LogMaxSizeMB < 1 || c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must not be negative")
	}

	return nil
}

// SIPHost returns the hostname advertised in Via and Record-Route headers.
// It defaults to the machine hostname if not configured.
func (c *Config) SIPHost() string {
	if c.Host != "" {
		return c.Host
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SIPAddr returns the host:port the UDP and TCP listeners bind to.
func (c *Config) SIPAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.SIPPort))
}

// WSAddr returns the host:port the websocket listener binds to.
func (c *Config) WSAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.WSPort))
}

// HTTPAddr returns the host:port the HTTP API binds to.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.HTTPPort))
}

// AdvertisedAddr returns the host:port placed in headers of forwarded
// requests.
func (c *Config) AdvertisedAddr() string {
	return net.JoinHostPort(c.SIPHost(), strconv.Itoa(c.SIPPort))
}

// LogWriter returns the log destination: a size-rotated file when LogFile
// is set, stdout otherwise.
func (c *Config) LogWriter() io.Writer {
	if c.LogFile == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAgeDays,
		Compress:   true,
	}
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
