// Package config loads the gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/shv-http-gateway/internal/logctx"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config of the gateway process.
type Config struct {
	// BrokerURL like "redis://localhost:6379" or "memory://demo". ENV: SHV_BROKER_URL
	BrokerURL string `env:"SHV_BROKER_URL,required"`
	// MaxUserSessions caps concurrent sessions per user; 0 disables the cap.
	// ENV: SHV_MAX_USER_SESSIONS
	MaxUserSessions int `env:"SHV_MAX_USER_SESSIONS,default=10"`
	// SessionTimeout is the inactivity period after which a session without
	// subscriptions ends. ENV: SHV_SESSION_TIMEOUT
	SessionTimeout time.Duration `env:"SHV_SESSION_TIMEOUT,default=10m"`
	// HeartbeatInterval of backend connections. ENV: SHV_HEARTBEAT_INTERVAL
	HeartbeatInterval time.Duration `env:"SHV_HEARTBEAT_INTERVAL,default=60s"`
	// ListenAddr of the HTTP server. ENV: SHV_LISTEN_ADDR
	ListenAddr string `env:"SHV_LISTEN_ADDR,default=127.0.0.1:8000"`
	// WebspyDir is served under /webspy/ when set. ENV: SHV_WEBSPY_DIR
	WebspyDir string `env:"SHV_WEBSPY_DIR"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is text or json. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads envFile into the environment (missing files are ignored,
// variables already set win) and decodes the configuration.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envdecode cannot.
func (c Config) Validate() error {
	if _, err := c.Broker(); err != nil {
		return err
	}
	if c.MaxUserSessions < 0 {
		return fmt.Errorf("SHV_MAX_USER_SESSIONS must not be negative, got %d", c.MaxUserSessions)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SHV_SESSION_TIMEOUT must be positive, got %s", c.SessionTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SHV_HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Broker parses BrokerURL.
func (c Config) Broker() (*url.URL, error) {
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("SHV_BROKER_URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "redis", "rediss":
		return u, nil
	default:
		return nil, fmt.Errorf("SHV_BROKER_URL: unsupported scheme %q", u.Scheme)
	}
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// LogValue implements slog.LogValuer. Credentials in the broker URL are
// redacted.
func (c Config) LogValue() slog.Value {
	broker := c.BrokerURL
	if u, err := url.Parse(c.BrokerURL); err == nil {
		broker = u.Redacted()
	}
	return slog.GroupValue(
		slog.String("broker_url", broker),
		slog.Int("max_user_sessions", c.MaxUserSessions),
		slog.Duration("session_timeout", c.SessionTimeout),
		slog.Duration("heartbeat_interval", c.HeartbeatInterval),
		slog.String("listen_addr", c.ListenAddr),
		slog.String("webspy_dir", c.WebspyDir),
		slog.String("log_level", c.LogLevel),
		slog.String("log_format", c.LogFormat),
	)
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	lvl, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
