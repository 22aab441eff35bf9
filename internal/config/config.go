// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

// Package config loads Labyrinth settings from flag defaults, a YAML file,
// LABYRINTH_ environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

const (
	appName   = "labyrinth"
	envPrefix = "LABYRINTH_"

	// DefaultKBAPepper is a placeholder that Validate warns about.
	DefaultKBAPepper = "change-me"
)

// Config holds every setting.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Auth     AuthConfig     `koanf:"auth"`
	Mail     MailConfig     `koanf:"mail"`
	Redis    RedisConfig    `koanf:"redis"`
	Throttle ThrottleConfig `koanf:"throttle"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool `koanf:"secure_cookies"`
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy bool `koanf:"trust_proxy"`
}

// MetricsConfig configures the observability listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// DatabaseConfig configures PostgreSQL.
type DatabaseConfig struct {
	URL         string `koanf:"url"`
	AutoMigrate bool   `koanf:"auto_migrate"`
	MaxConns    int32  `koanf:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// AuthConfig holds credential secrets and account rules.
type AuthConfig struct {
	ResetSecret string        `koanf:"reset_secret"`
	KBAPepper   string        `koanf:"kba_pepper"`
	EmailDomain string        `koanf:"email_domain"`
	SessionTTL  time.Duration `koanf:"session_ttl"`

	// PurgeInterval is how often expired sessions and reset tokens are
	// deleted. Zero disables the purge.
	PurgeInterval time.Duration `koanf:"purge_interval"`
}

// MailConfig configures outgoing mail. Without an API key mail is logged
// instead of sent.
type MailConfig struct {
	APIKey  string `koanf:"api_key"`
	From    string `koanf:"from"`
	BaseURL string `koanf:"base_url"`
}

// RedisConfig configures the optional Redis used by the throttle.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// ThrottleConfig limits forgot-password requests per identifier and per IP.
type ThrottleConfig struct {
	MaxRequests int           `koanf:"max_requests"`
	Window      time.Duration `koanf:"window"`
}

// RegisterFlags adds every setting to flags. The flag defaults are the
// configuration defaults.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file")

	flags.String("http.addr", ":8080", "API listen address")
	flags.Duration("http.shutdown_timeout", 10*time.Second, "graceful shutdown timeout")
	flags.Bool("http.secure_cookies", false, "mark the session cookie Secure")
	flags.Bool("http.trust_proxy", false, "use X-Forwarded-For for the client IP (only behind a proxy)")
	flags.String("metrics.addr", ":9100", "metrics and health listen address (empty disables)")
	flags.String("database.url", "", "PostgreSQL connection URL")
	flags.Bool("database.auto_migrate", true, "apply pending migrations on start")
	flags.Int32("database.max_conns", 0, "connection pool size (0 uses the driver default)")
	flags.String("log.format", "json", "log format (json or text)")
	flags.String("log.level", "info", "log level (debug, info, warn, error)")
	flags.String("auth.reset_secret", "", "HMAC key for password reset tokens")
	flags.String("auth.kba_pepper", DefaultKBAPepper, "HMAC pepper for security answers")
	flags.String("auth.email_domain", "@dlsu.edu.ph", "required registration email domain")
	flags.Duration("auth.session_ttl", 24*time.Hour, "session lifetime")
	flags.Duration("auth.purge_interval", time.Hour, "interval between purges of expired sessions and reset tokens (0 disables)")
	flags.String("mail.api_key", "", "Resend API key")
	flags.String("mail.from", "Labyrinth <onboarding@resend.dev>", "sender address")
	flags.String("mail.base_url", "http://localhost:3000/reset-password", "password reset page URL")
	flags.String("redis.addr", "", "Redis address for the request throttle (empty uses memory)")
	flags.String("redis.password", "", "Redis password")
	flags.Int("redis.db", 0, "Redis database")
	flags.Int("throttle.max_requests", 5, "forgot-password requests allowed per window")
	flags.Duration("throttle.window", 15*time.Minute, "forgot-password throttle window")
}

// Load reads the configuration. The file is --config if set, else
// config.yaml in the XDG config directory when it exists.
func Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	path, explicit := configPath(flags)
	if path != "" && (explicit || fileExists(path)) {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_INVALID").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_ENV_INVALID").Wrap(err)
	}

	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, oops.Code("CONFIG_FLAGS_INVALID").Wrap(err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	return &cfg, nil
}

// envKey maps LABYRINTH_AUTH__RESET_SECRET to auth.reset_secret.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func configPath(flags *pflag.FlagSet) (path string, explicit bool) {
	if flags != nil {
		if p, err := flags.GetString("config"); err == nil && p != "" {
			return p, true
		}
	}
	dir := configDir()
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, "config.yaml"), false
}

// configDir returns $XDG_CONFIG_HOME/labyrinth, falling back to
// ~/.config/labyrinth.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName)
}

// Validate checks the settings serve needs. It returns warnings for
// settings that work but should not reach production.
func (c *Config) Validate() (warnings []string, err error) {
	if c.Database.URL == "" {
		return nil, oops.Code("CONFIG_INVALID").With("key", "database.url").Errorf("database.url is required")
	}
	if len(c.Auth.ResetSecret) < 16 {
		return nil, oops.Code("CONFIG_INVALID").
			With("key", "auth.reset_secret").
			Errorf("auth.reset_secret must be at least 16 characters")
	}
	if c.Auth.KBAPepper == "" {
		return nil, oops.Code("CONFIG_INVALID").With("key", "auth.kba_pepper").Errorf("auth.kba_pepper is required")
	}
	if c.Auth.SessionTTL <= 0 {
		return nil, oops.Code("CONFIG_INVALID").With("key", "auth.session_ttl").Errorf("auth.session_ttl must be positive")
	}
	if c.Auth.PurgeInterval < 0 {
		return nil, oops.Code("CONFIG_INVALID").With("key", "auth.purge_interval").Errorf("auth.purge_interval must not be negative")
	}
	if c.Throttle.MaxRequests <= 0 || c.Throttle.Window <= 0 {
		return nil, oops.Code("CONFIG_INVALID").
			With("key", "throttle").
			Errorf("throttle.max_requests and throttle.window must be positive")
	}
	if c.Mail.BaseURL == "" {
		return nil, oops.Code("CONFIG_INVALID").With("key", "mail.base_url").Errorf("mail.base_url is required")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return nil, oops.Code("CONFIG_INVALID").
			With("key", "log.format").
			Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Auth.KBAPepper == DefaultKBAPepper {
		warnings = append(warnings, "auth.kba_pepper is the default value; set a secret pepper")
	}
	if c.Mail.APIKey == "" {
		warnings = append(warnings, "mail.api_key is empty; password reset emails will only be logged")
	}
	return warnings, nil
}
